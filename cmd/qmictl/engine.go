package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/modemctl/internal/config"
	"github.com/danmuck/modemctl/internal/loop"
	"github.com/danmuck/modemctl/internal/modem"
	"github.com/danmuck/modemctl/internal/qmi"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// engine is one open transport driven by its own loop goroutine. The loop
// outlives ctx so client ids can still be released after a signal.
type engine struct {
	cfg    config.Config
	l      *loop.Loop
	client *modem.Client
	dev    *qmi.Device
	node   *qmi.Node

	g        *errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
	stopLoop context.CancelFunc
	loopDone chan error
}

func openEngine(parent context.Context, cfg config.Config, debug bool) (*engine, error) {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	e := &engine{
		cfg:      cfg,
		l:        loop.New(),
		g:        g,
		ctx:      gctx,
		cancel:   cancel,
		stopLoop: stopLoop,
		loopDone: make(chan error, 1),
	}
	e.client = modem.NewClient(e.l, cfg.Modem.MaxPending)
	go func() { e.loopDone <- e.l.Run(loopCtx) }()

	var openErr error
	err := e.l.Do(gctx, func() {
		switch cfg.Transport {
		case config.TransportQRTR:
			e.node, openErr = qmi.OpenQRTR(e.l, cfg.QRTR.Node, cfg.Engine())
			if openErr == nil && debug {
				e.node.SetDebug(traceFrame)
			}
		default:
			e.dev, openErr = qmi.OpenQMUX(e.l, cfg.QMUX.Device, cfg.Engine())
			if openErr == nil && debug {
				e.dev.SetDebug(traceFrame)
			}
		}
	})
	if err == nil {
		err = openErr
	}
	if err != nil {
		_ = e.stop()
		return nil, fmt.Errorf("open %s transport: %w", cfg.Transport, err)
	}
	return e, nil
}

func traceFrame(line string) {
	log.Trace().Msg(line)
}

func (e *engine) source() modem.Source {
	if e.node != nil {
		return e.node
	}
	return e.dev
}

// populate runs discovery or a lookup, whichever the transport uses.
func (e *engine) populate(ctx context.Context) error {
	if e.node != nil {
		return e.client.Lookup(ctx, e.node)
	}
	return e.client.Discover(ctx, e.dev)
}

// close releases client ids (QMUX), closes the transport and stops the loop.
func (e *engine) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeouts.Client)
	defer cancel()
	if e.dev != nil {
		if err := e.client.Shutdown(ctx, e.dev); err != nil {
			log.Warn().Err(err).Msg("qmux shutdown incomplete")
		}
	}
	_ = e.l.Do(ctx, func() {
		if e.dev != nil {
			_ = e.dev.Close()
		}
		if e.node != nil {
			_ = e.node.Close()
		}
	})
	return e.stop()
}

func (e *engine) stop() error {
	e.cancel()
	err := e.g.Wait()
	e.stopLoop()
	if lerr := <-e.loopDone; lerr != nil && !errors.Is(lerr, context.Canceled) {
		err = errors.Join(err, lerr)
	}
	return err
}
