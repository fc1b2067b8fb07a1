package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/modemctl/internal/auth"
	"github.com/danmuck/modemctl/internal/config"
	"github.com/danmuck/modemctl/internal/protocol/schema"
	"github.com/danmuck/modemctl/internal/protocol/tlv"
	"github.com/danmuck/modemctl/internal/qmi"
	"github.com/danmuck/modemctl/internal/status"
	"github.com/rs/zerolog/log"
)

func runDiscover(ctx context.Context, cfg config.Config, debug bool) (err error) {
	e, err := openEngine(ctx, cfg, debug)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, e.close()) }()

	if err := e.populate(e.ctx); err != nil {
		return err
	}
	snap, err := e.client.Snapshot(e.ctx, e.source())
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func runVersion(ctx context.Context, cfg config.Config, debug bool) (err error) {
	if cfg.Transport != config.TransportQMUX {
		return fmt.Errorf("version needs the qmux transport, have %s", cfg.Transport)
	}
	e, err := openEngine(ctx, cfg, debug)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, e.close()) }()

	if err := e.populate(e.ctx); err != nil {
		return err
	}
	snap, err := e.client.Snapshot(e.ctx, e.dev)
	if err != nil {
		return err
	}
	fmt.Printf("ctl %s\n", snap.ControlVersion)
	if snap.Firmware != "" {
		fmt.Printf("firmware %s\n", snap.Firmware)
	}
	return nil
}

// runServe keeps the transport open and serves its status over HTTP until
// ctx ends. A failed discovery is logged; /ready stays unavailable.
func runServe(ctx context.Context, cfg config.Config, debug bool) (err error) {
	e, err := openEngine(ctx, cfg, debug)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, e.close()) }()

	srv := status.New("qmictl", e.client, e.source(), auth.Token(cfg.Status.Token))
	e.g.Go(func() error {
		return srv.Serve(e.ctx, cfg.Status.Addr)
	})
	e.g.Go(func() error {
		if err := e.populate(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("transport", string(cfg.Transport)).Msg("service discovery failed")
		}
		return nil
	})

	<-e.ctx.Done()
	log.Info().Msg("qmictl stopping")
	return nil
}

// tlvFlags collects repeated -tlv type=hexvalue records in order.
type tlvFlags []tlv.Field

func (f *tlvFlags) String() string {
	parts := make([]string, 0, len(*f))
	for _, fd := range *f {
		parts = append(parts, fmt.Sprintf("0x%02x=%x", fd.Type, fd.Value))
	}
	return strings.Join(parts, ",")
}

func (f *tlvFlags) Set(v string) error {
	typ, val, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("tlv %q: want type=hexvalue", v)
	}
	t, err := strconv.ParseUint(typ, 0, 8)
	if err != nil {
		return fmt.Errorf("tlv type %q: %w", typ, err)
	}
	b, err := hex.DecodeString(val)
	if err != nil {
		return fmt.Errorf("tlv value %q: %w", val, err)
	}
	*f = append(*f, tlv.Field{Type: uint8(t), Value: b})
	return nil
}

type callRequest struct {
	service schema.Service
	msgID   uint16
	fields  []tlv.Field
}

func parseCall(args []string) (callRequest, error) {
	var req callRequest
	var fields tlvFlags
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.Var(&fields, "tlv", "request record as type=hexvalue (repeatable)")
	if err := fs.Parse(args); err != nil {
		return req, err
	}
	if fs.NArg() != 2 {
		return req, errors.New("call: expected <service> <msg-id>")
	}
	svc, ok := schema.ServiceByName(strings.ToUpper(fs.Arg(0)))
	if !ok {
		n, err := strconv.ParseUint(fs.Arg(0), 0, 8)
		if err != nil {
			return req, fmt.Errorf("call: unknown service %q", fs.Arg(0))
		}
		svc = schema.Service(n)
	}
	if svc == schema.ServiceControl {
		return req, errors.New("call: the control service is driven by the engine")
	}
	id, err := strconv.ParseUint(fs.Arg(1), 0, 16)
	if err != nil {
		return req, fmt.Errorf("call: message id %q: %w", fs.Arg(1), err)
	}
	req.service = svc
	req.msgID = uint16(id)
	req.fields = fields
	return req, nil
}

type callField struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type callOutput struct {
	Service     string      `json:"service"`
	MessageID   uint16      `json:"message_id"`
	Transaction uint16      `json:"txn"`
	Error       string      `json:"error,omitempty"`
	TLVs        []callField `json:"tlvs"`
}

func describeResult(res *qmi.Result, callErr error) (callOutput, error) {
	out := callOutput{
		Service:     res.Service.String(),
		MessageID:   res.MessageID,
		Transaction: res.Transaction,
		TLVs:        make([]callField, 0),
	}
	if callErr != nil {
		out.Error = callErr.Error()
	}
	fields, err := res.Fields()
	if err != nil {
		return out, err
	}
	for _, f := range fields {
		out.TLVs = append(out.TLVs, callField{Type: fmt.Sprintf("0x%02x", f.Type), Value: hex.EncodeToString(f.Value)})
	}
	return out, nil
}

// runCall sends one raw request and prints every response record. On QMUX a
// client id is leased for the call and released before exit.
func runCall(ctx context.Context, cfg config.Config, debug bool, args []string) (err error) {
	req, err := parseCall(args)
	if err != nil {
		return err
	}
	e, err := openEngine(ctx, cfg, debug)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, e.close()) }()

	if err := e.populate(e.ctx); err != nil {
		return err
	}
	var h *qmi.Handle
	if e.node != nil {
		h, err = e.client.Service(e.ctx, e.node, req.service)
	} else {
		h, err = e.client.CreateClient(e.ctx, e.dev, req.service)
	}
	if err != nil {
		return err
	}
	defer func() {
		fctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Client)
		defer cancel()
		err = errors.Join(err, e.client.Free(fctx, h))
	}()

	p := tlv.NewParam()
	for _, f := range req.fields {
		p.Append(f.Type, f.Value)
	}
	log.Debug().Str("service", req.service.String()).Uint16("msg_id", req.msgID).Int("tlvs", len(req.fields)).Msg("qmictl call")
	res, callErr := e.client.Call(e.ctx, h, req.msgID, p)
	if res == nil {
		return callErr
	}
	out, err := describeResult(res, callErr)
	if err != nil {
		return errors.Join(callErr, err)
	}
	if err := printJSON(out); err != nil {
		return err
	}
	return callErr
}
