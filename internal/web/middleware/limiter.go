package middleware

import "net/http"

type job struct {
	w    http.ResponseWriter
	r    *http.Request
	next http.Handler
	done chan struct{}
}

// Limiter bounds concurrently served requests. Requests beyond maxInflight wait in a
// queue of queueSize; a full queue is answered with 503.
type Limiter struct {
	queue    chan job
	inflight chan struct{}
}

func NewLimiter(queueSize, maxInflight int) *Limiter {
	l := &Limiter{
		queue:    make(chan job, queueSize),
		inflight: make(chan struct{}, maxInflight),
	}

	go l.dispatch()

	return l
}

func (l *Limiter) dispatch() {
	for j := range l.queue {
		// blocks while every slot is taken
		l.inflight <- struct{}{}

		go func(j job) {
			defer func() {
				<-l.inflight
				close(j.done)
			}()

			j.next.ServeHTTP(j.w, j.r)
		}(j)
	}
}

func (l *Limiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		j := job{
			w:    w,
			r:    r,
			next: next,
			done: make(chan struct{}),
		}

		select {
		case l.queue <- j:
			// the handler owns w until done is closed
			<-j.done
		default:
			writeError(w, http.StatusServiceUnavailable, "SERVER_BUSY", "server busy")
		}
	})
}
