package engine

import (
	"context"
	"fmt"
)

// Pool hands out executors so concurrent requests never share a graph context.
// Executors are built lazily by the factory, up to the pool size.
type Pool struct {
	factory func() (*Executor, error)
	idle    chan *Executor
	slots   chan struct{}
}

func NewPool(size int, factory func() (*Executor, error)) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		factory: factory,
		idle:    make(chan *Executor, size),
		slots:   make(chan struct{}, size),
	}
}

// Get returns an idle executor, builds a new one while below the size, or waits.
func (p *Pool) Get(ctx context.Context) (*Executor, error) {
	select {
	case e := <-p.idle:
		return e, nil
	default:
	}
	select {
	case e := <-p.idle:
		return e, nil
	case p.slots <- struct{}{}:
		e, err := p.factory()
		if err != nil {
			<-p.slots
			return nil, fmt.Errorf("build executor: %w", err)
		}
		return e, nil
	default:
	}
	poolWaits.Inc()
	select {
	case e := <-p.idle:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns an executor obtained from Get.
func (p *Pool) Put(e *Executor) {
	e.Reset()
	p.idle <- e
}
