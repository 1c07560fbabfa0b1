package worker

import (
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Pool bounds the number of concurrently running jobs. A slot is reserved
// with TryAcquire and handed to Go, or given back with Release.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
	log zerolog.Logger
}

func NewPool(size int, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem: make(chan struct{}, size),
		log: log.With().Str("component", "pool").Logger(),
	}
}

// TryAcquire reserves a slot without blocking.
func (p *Pool) TryAcquire() bool {
	select {
	case p.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Pool) Release() { <-p.sem }

// Go runs fn on a reserved slot and frees the slot when fn returns.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.Release()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("worker panicked")
			}
		}()
		fn()
	}()
}

// Wait blocks until every started fn has returned.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) Size() int { return cap(p.sem) }

func (p *Pool) InUse() int { return len(p.sem) }
