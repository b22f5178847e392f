package worker

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull   = errors.New("scan queue is full")
	ErrPoolStopped = errors.New("worker pool stopped")
)

// Scanner 执行单次扫描（service.ScanService 满足该接口）
type Scanner interface {
	ScanFile(ctx context.Context, path string, apkName string) (*domain.ScanReport, error)
}

// StatsReporter Worker Pool 状态上报
type StatsReporter interface {
	UpdateWorkerPoolStats(size, queueSize int)
}

// Result 扫描结果
type Result struct {
	Report *domain.ScanReport
	Err    error
}

// Job 扫描任务
type Job struct {
	ID      string
	APKPath string
	APKName string
	// RemoveAfter 扫描结束后删除文件（上传的临时文件）
	RemoveAfter bool

	resultCh chan Result
}

// Pool Worker 池
type Pool struct {
	workers int
	jobs    chan *Job
	scanner Scanner
	stats   StatsReporter
	logger  *logrus.Logger
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewPool 创建 Worker 池，stats 可为 nil
func NewPool(workers, queueSize int, scanner Scanner, stats StatsReporter, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan *Job, queueSize),
		scanner: scanner,
		stats:   stats,
		logger:  logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.reportStats()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case job, ok := <-p.jobs:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Job channel closed, worker exiting")
				return
			}
			p.reportStats()
			p.run(ctx, id, job)
		}
	}
}

func (p *Pool) run(ctx context.Context, workerID int, job *Job) {
	log := p.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"job_id":    job.ID,
		"apk_name":  job.APKName,
	})
	log.Debug("Processing scan job")

	report, err := p.scanner.ScanFile(ctx, job.APKPath, job.APKName)
	if err != nil {
		log.WithError(err).Warn("Scan job failed")
	}

	if job.RemoveAfter {
		if rmErr := os.Remove(job.APKPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithError(rmErr).Warn("Failed to remove scanned file")
		}
	}

	if job.resultCh != nil {
		job.resultCh <- Result{Report: report, Err: err}
		close(job.resultCh)
	}
}

// Submit 提交任务（不等待结果），队列满时返回 ErrQueueFull
func (p *Pool) Submit(job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		p.reportStats()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待扫描完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *Job) (*domain.ScanReport, error) {
	job.resultCh = make(chan Result, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return nil, ErrPoolStopped
	}
	select {
	case p.jobs <- job:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}
	p.reportStats()

	select {
	case res := <-job.resultCh:
		return res.Report, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop 停止接收任务并等待已排队任务完成
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.jobs)
}

// Size Worker 数量
func (p *Pool) Size() int {
	return p.workers
}

func (p *Pool) reportStats() {
	if p.stats != nil {
		p.stats.UpdateWorkerPoolStats(p.workers, len(p.jobs))
	}
}
