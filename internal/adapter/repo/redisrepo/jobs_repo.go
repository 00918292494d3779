package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

const jobKeyPrefix = "job:"

func jobKey(id string) string { return jobKeyPrefix + id }

// script result codes shared by the job mutation scripts.
const (
	scriptAbsent   = 0
	scriptOK       = 1
	scriptConflict = -1
)

// progressScript merges a progress value into an existing job record in one
// round-trip: verify the key exists, refuse terminal jobs, clamp the
// percentage so it never goes backwards, bump updated_at, refresh the TTL.
// The terminal refusal doubles as the cancellation signal for in-flight
// workers: their next progress write comes back conflicted.
var progressScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local job = cjson.decode(raw)
if job["status"] == "completed" or job["status"] == "failed" then return -1 end
local pct = tonumber(ARGV[1])
local cur = 0
if job["progress"] ~= nil and job["progress"]["percent"] ~= nil then
  cur = tonumber(job["progress"]["percent"])
end
if pct < cur then pct = cur end
local prog = { percent = pct, phase = ARGV[2] }
if ARGV[3] ~= "" then prog["speed"] = ARGV[3] end
if tonumber(ARGV[4]) > 0 then prog["eta_seconds"] = tonumber(ARGV[4]) end
job["progress"] = prog
job["updated_at"] = ARGV[5]
redis.call("SET", KEYS[1], cjson.encode(job), "EX", tonumber(ARGV[6]))
return 1
`)

// statusScript performs a guarded status transition with optional attachments.
// Terminal states never transition; processing requires pending; completed
// requires processing. Returns 0 absent, 1 ok, -1 conflict.
var statusScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local job = cjson.decode(raw)
local from = job["status"]
local to = ARGV[1]
if from == "completed" or from == "failed" then return -1 end
if to == "processing" and from ~= "pending" then return -1 end
if to == "completed" and from ~= "processing" then return -1 end
if to ~= "processing" and to ~= "completed" and to ~= "failed" then return -1 end
job["status"] = to
job["updated_at"] = ARGV[2]
if ARGV[3] ~= "" then job["error_message"] = ARGV[3] end
if ARGV[4] ~= "" then job["error_category"] = ARGV[4] end
if ARGV[5] ~= "" then job["download_url"] = ARGV[5] end
if ARGV[6] ~= "" then job["download_token"] = ARGV[6] end
if ARGV[7] ~= "" then job["expire_at"] = ARGV[7] end
redis.call("SET", KEYS[1], cjson.encode(job), "EX", tonumber(ARGV[8]))
return 1
`)

// JobRepo persists job records in Redis with scripted, race-free mutations.
type JobRepo struct {
	client *Client
	ttl    time.Duration
}

// NewJobRepo constructs a JobRepo. ttl is the record lifetime refreshed on
// every mutation.
func NewJobRepo(c *Client, ttl time.Duration) *JobRepo {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JobRepo{client: c, ttl: ttl}
}

// Save upserts a job record with the configured TTL.
func (r *JobRepo) Save(ctx context.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Save")
	defer span.End()
	if err := r.client.SetJSON(ctx, jobKey(j.ID), j, r.ttl); err != nil {
		return fmt.Errorf("op=job.save: %w", err)
	}
	return nil
}

// Get loads a job by id. Unrecognized status values fail loudly: they mean
// schema drift across deploys, not user error.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	var j domain.Job
	if err := r.client.GetJSON(ctx, jobKey(id), &j); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	if !j.Status.Valid() {
		return domain.Job{}, fmt.Errorf("op=job.get id=%s status=%q: %w", id, j.Status, domain.ErrInternal)
	}
	return j, nil
}

// GetMany fetches jobs through one pipeline. Absent ids are omitted; the
// result order is not defined. Transport errors fail the whole call.
func (r *JobRepo) GetMany(ctx context.Context, ids []string) ([]domain.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Rdb().Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("op=job.get_many: %w", err)
	}
	out := make([]domain.Job, 0, len(ids))
	for _, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("op=job.get_many: %w", err)
		}
		var j domain.Job
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, fmt.Errorf("op=job.get_many decode: %w", err)
		}
		out = append(out, j)
	}
	return out, nil
}

// SaveMany upserts jobs through one transactional pipeline.
func (r *JobRepo) SaveMany(ctx context.Context, jobs []domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	pipe := r.client.Rdb().TxPipeline()
	for _, j := range jobs {
		b, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("op=job.save_many id=%s: %w", j.ID, err)
		}
		pipe.Set(ctx, jobKey(j.ID), b, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=job.save_many: %w", err)
	}
	return nil
}

// UpdateProgress merges a progress value server-side. Refuses absent jobs.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, p domain.Progress) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	res, err := progressScript.Run(ctx, r.client.Rdb(), []string{jobKey(id)},
		strconv.FormatFloat(p.Percent, 'f', -1, 64),
		p.Phase,
		p.Speed,
		strconv.Itoa(p.ETASeconds),
		time.Now().UTC().Format(time.RFC3339Nano),
		int(r.ttl.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("op=job.update_progress id=%s: %w", id, err)
	}
	switch res {
	case scriptAbsent:
		return fmt.Errorf("op=job.update_progress id=%s: %w", id, domain.ErrNotFound)
	case scriptConflict:
		return fmt.Errorf("op=job.update_progress id=%s terminal: %w", id, domain.ErrConflict)
	}
	return nil
}

// UpdateStatus transitions a job's status server-side. The terminal guard
// lives in the script so concurrent workers converge on exactly one terminal
// status; losers receive ErrConflict.
func (r *JobRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, fields *domain.StatusFields) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	var f domain.StatusFields
	if fields != nil {
		f = *fields
	}
	expireAt := ""
	if f.ExpireAt != nil {
		expireAt = f.ExpireAt.UTC().Format(time.RFC3339Nano)
	}
	res, err := statusScript.Run(ctx, r.client.Rdb(), []string{jobKey(id)},
		string(status),
		time.Now().UTC().Format(time.RFC3339Nano),
		f.ErrorMessage,
		f.ErrorCategory,
		f.DownloadURL,
		f.DownloadToken,
		expireAt,
		int(r.ttl.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("op=job.update_status id=%s: %w", id, err)
	}
	switch res {
	case scriptAbsent:
		return fmt.Errorf("op=job.update_status id=%s: %w", id, domain.ErrNotFound)
	case scriptConflict:
		return fmt.Errorf("op=job.update_status id=%s to=%s: %w", id, status, domain.ErrConflict)
	}
	return nil
}

// Delete removes a job record; deleting twice succeeds both times.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	return r.client.Delete(ctx, jobKey(id))
}

// Exists reports whether the job record is present.
func (r *JobRepo) Exists(ctx context.Context, id string) (bool, error) {
	return r.client.Exists(ctx, jobKey(id))
}

// GetExpired returns ids of terminal jobs whose updated_at is older than the
// threshold. Iteration uses SCAN with a bounded batch; filtering happens in
// the application because the record is a JSON blob.
func (r *JobRepo) GetExpired(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var ids []string
	err := r.client.ScanKeys(ctx, jobKeyPrefix+"*", func(key string) (bool, error) {
		var j domain.Job
		if err := r.client.GetJSON(ctx, key, &j); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return true, nil // expired between scan and fetch
			}
			return false, err
		}
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			ids = append(ids, j.ID)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=job.get_expired: %w", err)
	}
	return ids, nil
}

// FindByStatus returns up to limit jobs in the given status, stopping the
// scan as soon as the limit is reached.
func (r *JobRepo) FindByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	var out []domain.Job
	err := r.client.ScanKeys(ctx, jobKeyPrefix+"*", func(key string) (bool, error) {
		var j domain.Job
		if err := r.client.GetJSON(ctx, key, &j); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return true, nil
			}
			return false, err
		}
		if j.Status == status {
			out = append(out, j)
			if limit > 0 && len(out) >= limit {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=job.find_by_status: %w", err)
	}
	return out, nil
}
