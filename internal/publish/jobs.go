package publish

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/datamarket/datamarket-go/internal/ledger"
	"github.com/datamarket/datamarket-go/internal/model"
)

// DefaultJobRetention is how long finished jobs stay queryable.
const DefaultJobRetention = time.Hour

// Job is a snapshot of a background publish run.
type Job struct {
	ID        string               `json:"id"`
	Owner     string               `json:"owner"`
	Progress  model.UploadProgress `json:"progress"`
	Result    *model.PublishResult `json:"result,omitempty"`
	StartedAt time.Time            `json:"startedAt"`
}

type jobState struct {
	mu        sync.Mutex
	job       Job
	discarded bool
	done      chan struct{}
}

// Tracker runs publish jobs in the background and keeps their progress.
// Discarding a job only stops tracking it: the run itself continues to completion.
type Tracker struct {
	pipeline *Pipeline
	jobs     *gocache.Cache
}

// NewTracker creates a tracker whose jobs expire retention after their last update.
func NewTracker(p *Pipeline, retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &Tracker{pipeline: p, jobs: gocache.New(retention, retention/2)}
}

// Start launches a publish run detached from ctx's cancellation and returns its job id.
// done is closed when the run finishes, whether or not the job was discarded.
func (t *Tracker) Start(ctx context.Context, signer ledger.Signer, params Params) (id string, done <-chan struct{}) {
	st := &jobState{
		job: Job{
			ID:        ulid.Make().String(),
			Owner:     signer.Address(),
			Progress:  model.UploadProgress{Stage: model.StageIdle},
			StartedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	t.jobs.SetDefault(st.job.ID, st)

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(st.done)
		// success is published together with the result once Publish returns.
		var final *model.UploadProgress
		res, _ := t.pipeline.Publish(runCtx, signer, params, func(p model.UploadProgress) {
			if p.Stage == model.StageSuccess {
				final = &p
				return
			}
			st.mu.Lock()
			defer st.mu.Unlock()
			if st.discarded {
				return
			}
			st.job.Progress = p
			t.jobs.SetDefault(st.job.ID, st)
		})
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.discarded {
			return
		}
		if res != nil && final != nil {
			st.job.Progress = *final
			st.job.Result = res
			t.jobs.SetDefault(st.job.ID, st)
		}
	}()
	return st.job.ID, st.done
}

// Get returns a snapshot of a job.
func (t *Tracker) Get(id string) (Job, bool) {
	v, ok := t.jobs.Get(id)
	if !ok {
		return Job{}, false
	}
	st := v.(*jobState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.job, true
}

// Discard stops tracking a job. Further progress from its run is ignored.
func (t *Tracker) Discard(id string) bool {
	v, ok := t.jobs.Get(id)
	if !ok {
		return false
	}
	st := v.(*jobState)
	st.mu.Lock()
	st.discarded = true
	st.mu.Unlock()
	t.jobs.Delete(id)
	return true
}
