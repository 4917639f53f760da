package commons

import (
	"encoding/json"

	"github.com/garyburd/redigo/redis"

	"github.com/bbernhard/caption-playground/src/datastructures"
)

const (
	CaptionQueue = "captionme"

	resultPrefix = "caption"
	// results are only polled right after submission, an hour is plenty
	ResultTTL = 3600
)

func NewRedisPool(address string, maxConnections int) *redis.Pool {
	return redis.NewPool(func() (redis.Conn, error) {
		c, err := redis.Dial("tcp", address)

		if err != nil {
			return nil, err
		}

		return c, err
	}, maxConnections)
}

// JobQueue is the redis list caption jobs travel on, plus the keys their
// results are stored under.
type JobQueue struct {
	pool *redis.Pool
}

func NewJobQueue(pool *redis.Pool) *JobQueue {
	return &JobQueue{pool: pool}
}

func (q *JobQueue) Push(job datastructures.CaptionJob) error {
	serialized, err := json.Marshal(job)
	if err != nil {
		return err
	}

	redisConn := q.pool.Get()
	defer redisConn.Close()

	_, err = redisConn.Do("RPUSH", CaptionQueue, serialized)
	return err
}

// Pop returns the oldest job, or nil if the queue is empty.
func (q *JobQueue) Pop() (*datastructures.CaptionJob, error) {
	redisConn := q.pool.Get()
	defer redisConn.Close()

	data, err := redis.Bytes(redisConn.Do("LPOP", CaptionQueue))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job datastructures.CaptionJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *JobQueue) StoreResult(result datastructures.CaptionJobResult) error {
	serialized, err := json.Marshal(result)
	if err != nil {
		return err
	}

	redisConn := q.pool.Get()
	defer redisConn.Close()

	_, err = redisConn.Do("SETEX", resultPrefix+result.Uuid, ResultTTL, serialized)
	return err
}

// Result returns the stored result for uuid, or nil while none exists.
// At this point it doesn't matter whether the uuid is wrong or the job is still running.
func (q *JobQueue) Result(uuid string) (*datastructures.CaptionJobResult, error) {
	redisConn := q.pool.Get()
	defer redisConn.Close()

	data, err := redis.Bytes(redisConn.Do("GET", resultPrefix+uuid))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var result datastructures.CaptionJobResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Requeue puts a job that was taken but not finished back on the queue.
func (q *JobQueue) Requeue(job datastructures.CaptionJob) error {
	return q.Push(job)
}
