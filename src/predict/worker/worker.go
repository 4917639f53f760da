package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bbernhard/caption-playground/src/captioner"
	"github.com/bbernhard/caption-playground/src/commons"
	"github.com/bbernhard/caption-playground/src/datastructures"
)

// Job holds the attributes needed to perform unit of work.
type Job struct {
	CaptionJob datastructures.CaptionJob
}

// Store receives finished results and takes back jobs that were
// interrupted by a shutdown.
type Store interface {
	StoreResult(result datastructures.CaptionJobResult) error
	Requeue(job datastructures.CaptionJob) error
}

type requeuer interface {
	Requeue(job datastructures.CaptionJob) error
}

func requeue(store requeuer, job datastructures.CaptionJob) {
	log.Debug("[Worker] Requeueing ", job.Uuid)
	if err := store.Requeue(job); err != nil {
		commons.ReportError(fmt.Errorf("requeueing %s: %w", job.Uuid, err), map[string]string{"uuid": job.Uuid})
	}
}

func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// NewWorker creates takes a numeric id and a channel w/ worker pool.
func NewWorker(id int, workerPool chan chan Job, c captioner.Captioner, results Store) Worker {
	return Worker{
		id:         id,
		jobQueue:   make(chan Job),
		workerPool: workerPool,
		captioner:  c,
		results:    results,
	}
}

type Worker struct {
	id         int
	jobQueue   chan Job
	workerPool chan chan Job
	captioner  captioner.Captioner
	results    Store
}

func (w Worker) start(ctx context.Context, wg *sync.WaitGroup) {
	log.Debug("[Worker] Worker ", w.id, " starting")

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			// Add my jobQueue to the worker pool.
			select {
			case w.workerPool <- w.jobQueue:
			case <-ctx.Done():
				log.Debug("[Worker] Worker ", w.id, " stopping")
				return
			}

			select {
			case job := <-w.jobQueue:
				// Dispatcher has added a job to my jobQueue.
				if ctx.Err() != nil {
					requeue(w.results, job.CaptionJob)
					log.Debug("[Worker] Worker ", w.id, " stopping")
					return
				}
				w.process(ctx, job.CaptionJob)
			case <-ctx.Done():
				log.Debug("[Worker] Worker ", w.id, " stopping")
				return
			}
		}
	}()
}

func (w Worker) process(ctx context.Context, job datastructures.CaptionJob) {
	result := datastructures.CaptionJobResult{
		Uuid:   job.Uuid,
		Params: job.Params,
	}

	caption, err := w.caption(ctx, job)
	if interrupted(ctx, err) {
		// keep the upload, the job runs again after the restart
		requeue(w.results, job)
		return
	}
	if err != nil {
		log.Debug("[Worker] Couldn't caption ", job.Uuid, ": ", err.Error())
		result.Error = err.Error()
		if !errors.Is(err, captioner.ErrInvalidImage) && !errors.Is(err, captioner.ErrInvalidParams) {
			commons.ReportError(err, map[string]string{"uuid": job.Uuid})
		}
	} else {
		result.Caption = caption
		result.ModelInfo = w.captioner.ModelInfo()
	}
	result.Finished = time.Now().Unix()

	//the result expires after an hour, the upload is not needed any longer once it is stored
	if err := w.results.StoreResult(result); err != nil {
		log.Debug("[Worker] Couldn't store caption result: ", err.Error())
		return
	}
	if err := os.Remove(job.Filename); err != nil {
		log.Debug("[Worker] Couldn't remove file ", err.Error())
	}
}

func (w Worker) caption(ctx context.Context, job datastructures.CaptionJob) (string, error) {
	params := captioner.ParamsFromWire(job.Params)
	if err := params.Validate(); err != nil {
		return "", err
	}
	img, err := captioner.DecodeImageFile(job.Filename)
	if err != nil {
		return "", err
	}
	return w.captioner.Caption(ctx, img, params)
}

// NewDispatcher creates, and returns a new Dispatcher object. All workers
// share c.
func NewDispatcher(jobQueue chan Job, maxWorkers int, c captioner.Captioner, results Store) *Dispatcher {
	workerPool := make(chan chan Job, maxWorkers)

	return &Dispatcher{
		jobQueue:   jobQueue,
		maxWorkers: maxWorkers,
		workerPool: workerPool,
		captioner:  c,
		results:    results,
	}
}

type Dispatcher struct {
	workerPool chan chan Job
	maxWorkers int
	jobQueue   chan Job
	captioner  captioner.Captioner
	results    Store

	wg sync.WaitGroup
}

// Run starts the workers. They stop once ctx is done; Wait blocks until
// the last one has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.maxWorkers; i++ {
		worker := NewWorker(i+1, d.workerPool, d.captioner, d.results)
		worker.start(ctx, &d.wg)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(ctx)
	}()
}

// Wait blocks until the workers and the dispatcher have stopped, then puts
// every job still buffered in the job queue back on the store. Whatever
// feeds the job queue must have returned before Wait is called.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
	for {
		select {
		case job := <-d.jobQueue:
			requeue(d.results, job.CaptionJob)
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context) {
	for {
		select {
		case job := <-d.jobQueue:
			if ctx.Err() != nil {
				requeue(d.results, job.CaptionJob)
				return
			}
			select {
			case workerJobQueue := <-d.workerPool:
				select {
				case workerJobQueue <- job:
				case <-ctx.Done():
					requeue(d.results, job.CaptionJob)
					return
				}
			case <-ctx.Done():
				requeue(d.results, job.CaptionJob)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// JobSource is the queue the poller drains.
type JobSource interface {
	Pop() (*datastructures.CaptionJob, error)
	Requeue(job datastructures.CaptionJob) error
}

// Poll moves jobs from source into jobQueue until ctx is done, sleeping
// for interval whenever the source is empty or unreachable.
func Poll(ctx context.Context, source JobSource, jobQueue chan<- Job, interval time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := source.Pop()
		if err != nil {
			log.Debug("[Main] Couldn't fetch job: ", err.Error())
		}
		if err != nil || job == nil {
			select {
			case <-time.After(interval): //nothing in queue
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		log.Debug("[Main] Got a new request to process")
		select {
		case jobQueue <- Job{CaptionJob: *job}:
		case <-ctx.Done():
			requeue(source, *job)
			return ctx.Err()
		}
	}
}
