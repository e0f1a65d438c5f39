// Package backfill loads channel history into the local store with a pool
// of workers.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/api"
	"github.com/dgnsrekt/chatsync/internal/model"
	"github.com/dgnsrekt/chatsync/internal/pagination"
	"github.com/dgnsrekt/chatsync/internal/store"
)

type Manager struct {
	client  api.Client
	store   store.Store
	workers int
	logger  *zap.Logger
}

type BatchResult struct {
	Total    int
	Success  int
	NotFound int
	Failed   int
	Messages int
	Errors   []string
}

func NewManager(client api.Client, s store.Store, workers int, logger *zap.Logger) *Manager {
	if workers < 1 {
		workers = 1
	}
	return &Manager{
		client:  client,
		store:   s,
		workers: workers,
		logger:  logger,
	}
}

func (m *Manager) Execute(ctx context.Context, tasks []Task) (*BatchResult, error) {
	result := &BatchResult{Total: len(tasks)}

	if len(tasks) == 0 {
		return result, nil
	}

	jobs := make(chan Task, len(tasks))
	results := make(chan TaskResult, len(tasks))

	// Start workers
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			m.worker(ctx, workerID, jobs, results)
		}(i)
	}

	// Send jobs
	go func() {
		defer close(jobs)
		for _, task := range tasks {
			select {
			case <-ctx.Done():
				return
			case jobs <- task:
			}
		}
	}()

	// Wait for workers and close results
	go func() {
		wg.Wait()
		close(results)
	}()

	// Collect results
	for r := range results {
		result.Messages += r.Messages
		switch {
		case r.NotFound:
			result.NotFound++
		case r.Success:
			result.Success++
		default:
			result.Failed++
			if r.Error != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", r.Task.ChannelID, r.Error))
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (m *Manager) worker(ctx context.Context, id int, jobs <-chan Task, results chan<- TaskResult) {
	for task := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result := m.processTask(ctx, task)

		select {
		case <-ctx.Done():
			return
		case results <- result:
		}
	}
}

// processTask pages backwards from the oldest stored message, so an
// interrupted backfill resumes where it stopped.
func (m *Manager) processTask(ctx context.Context, task Task) TaskResult {
	result := TaskResult{Task: task}
	log := m.logger.With(zap.String("cid", task.ChannelID))

	machine := pagination.NewMachine(nil, log)
	stored, err := model.Messages(m.store, task.ChannelID)
	if err != nil {
		result.Error = fmt.Errorf("reading stored history: %w", err)
		return result
	}
	if len(stored) > 0 {
		machine.Advance(pagination.Cursor(stored[0].Cursor()))
		log.Debug("resuming backfill", zap.Int("stored", len(stored)))
	}

	fetch := func(ctx context.Context, req pagination.Request) (pagination.Page, error) {
		resp, err := m.client.FetchMessages(ctx, task.ChannelID, api.MessageQuery{Limit: req.Limit, Before: string(req.From)})
		if err != nil {
			return pagination.Page{}, err
		}
		msgs := resp.Messages
		if err := model.PutMessages(m.store, msgs); err != nil {
			return pagination.Page{}, fmt.Errorf("storing page: %w", err)
		}
		result.Messages += len(msgs)

		page := pagination.Page{Cursors: make([]pagination.Cursor, 0, len(msgs)), HasMore: resp.HasMore}
		for _, msg := range msgs {
			page.Cursors = append(page.Cursors, pagination.Cursor(msg.Cursor()))
		}
		return page, nil
	}

	for task.MaxPages == 0 || result.Pages < task.MaxPages {
		st := machine.State()
		if !st.HasMore {
			break
		}
		req := pagination.Request{Direction: pagination.Older, Limit: task.PageSize, From: st.OldestCursor}
		if _, err := machine.Load(ctx, req, fetch); err != nil {
			if errors.Is(err, api.ErrNotFound) {
				log.Debug("channel not found")
				result.NotFound = true
				return result
			}
			result.Error = err
			return result
		}
		result.Pages++
	}

	result.Complete = !machine.State().HasMore
	result.Success = true
	log.Info("backfilled",
		zap.Int("pages", result.Pages),
		zap.Int("messages", result.Messages),
		zap.Bool("complete", result.Complete),
	)
	return result
}
