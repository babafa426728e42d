package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sipstack/siptx/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrValidationFailure is returned by the validation chain when a request
// is rejected before reaching a handler's OnRequest. Status/Reason describe
// the response that was (or should be) sent.
type ErrValidationFailure struct {
	Status sip.StatusCode
	Reason string
	Err    error
}

func (e *ErrValidationFailure) Error() string {
	return fmt.Sprintf("core: validation failed: %d %s: %v", e.Status, e.Reason, e.Err)
}

func (e *ErrValidationFailure) Unwrap() error { return e.Err }

var errValidation = errors.New("core: validation rejected request")

func newValidationFailure(status sip.StatusCode, reason string) *ErrValidationFailure {
	return &ErrValidationFailure{Status: status, Reason: reason, Err: errValidation}
}

// Pipeline implements the per-request UAS flow: validate, dispatch to the
// matching handler, and send the resulting response with auto-population of
// Allow/Supported/Server/To-tag/Record-Route.
type Pipeline struct {
	Registry  *Registry
	LoopIndex *LoopIndex

	// Dialog is optional; when set, dialog-establishing responses are run
	// through it before being written to the transaction.
	Dialog DialogCollaborator

	log zerolog.Logger
}

// NewPipeline builds a Pipeline around registry and idx.
func NewPipeline(registry *Registry, idx *LoopIndex) *Pipeline {
	return &Pipeline{
		Registry:  registry,
		LoopIndex: idx,
		log:       log.Logger.With().Str("caller", "core.Pipeline").Logger(),
	}
}

// HandleRequest runs the full validate/dispatch/respond flow for req on tx.
// It always terminates the transaction's request handling by either sending
// a response or delegating that to the matched handler.
func (p *Pipeline) HandleRequest(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	handler, ok := p.Registry.Lookup(req)
	if !ok {
		p.log.Warn().Str("method", req.Method.String()).Msg("no UAS handler applicable")
		res := sip.NewResponseFromRequest(req, 405, "Method Not Allowed", nil)
		p.respondDirect(tx, res)
		return
	}

	if err := p.validate(req, handler); err != nil {
		var vf *ErrValidationFailure
		if errors.As(err, &vf) {
			validationRejectionsTotal.WithLabelValues(req.Method.String(), fmt.Sprint(int(vf.Status))).Inc()
			res := p.CreateResponse(handler, req, int(vf.Status), vf.Reason, nil)
			if vf.Status == 405 {
				res.AppendHeader(allowHeader(handler))
			}
			if vf.Status == 420 {
				if unsupported, ok := unsupportedHeader(req, handler); ok {
					res.AppendHeader(unsupported)
				}
			}
			p.respondDirect(tx, res)
			return
		}
		p.log.Error().Err(err).Msg("validation chain failed unexpectedly")
		p.respondDirect(tx, sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil))
		return
	}

	if handler.DetectLoops() {
		if err := p.LoopIndex.Insert(req); err != nil {
			p.log.Warn().Err(err).Msg("loop index insert failed")
		} else if tx != nil {
			tx.OnTerminate(func(string, error) { p.LoopIndex.Remove(req) })
		} else {
			// No transaction backs this request (e.g. an ACK routed straight
			// to the handler) so nothing will terminate to clean the entry up.
			p.LoopIndex.Remove(req)
		}
	}

	if tx != nil {
		tx.OnTerminate(func(_ string, _ error) { ObserveTransactionOutcome(tx.Err()) })
	}

	rc := NewRequestContext(ctx, tx)
	action, err := handler.OnRequest(req, rc)
	if err != nil {
		p.log.Error().Err(err).Msg("handler OnRequest failed")
		p.respondDirect(tx, p.CreateResponse(handler, req, 500, "Server Internal Error", nil))
		return
	}

	switch action.Kind {
	case NoReply:
		return
	case Reply:
		if err := p.SendResponse(handler, req, tx, action.Response); err != nil {
			p.log.Error().Err(err).Msg("send response failed")
		}
	}
}

// validate runs the method/loop/required-extension checks in order,
// returning the first failure as an *ErrValidationFailure.
func (p *Pipeline) validate(req *sip.Request, handler UasHandler) error {
	if err := validateMethod(req, handler); err != nil {
		return err
	}
	if err := p.validateLoop(req, handler); err != nil {
		return err
	}
	if err := validateRequired(req, handler); err != nil {
		return err
	}
	return nil
}

func validateMethod(req *sip.Request, handler UasHandler) error {
	for _, m := range handler.Allow() {
		if m == req.Method {
			return nil
		}
	}
	return newValidationFailure(405, "Method Not Allowed")
}

func (p *Pipeline) validateLoop(req *sip.Request, handler UasHandler) error {
	if !handler.DetectLoops() {
		return nil
	}
	if p.LoopIndex.IsLoop(req) {
		return newValidationFailure(482, "Loop Detected")
	}
	return nil
}

// validateRequired rejects requests that Require an extension the handler
// doesn't support. CANCEL carries no semantics of its own to extend, and an
// ACK to a non-2xx final response belongs to the original transaction, not a
// new one to be validated. CANCEL and every ACK (whether it acknowledges a
// 2xx or a non-2xx final response) are exempted.
func validateRequired(req *sip.Request, handler UasHandler) error {
	if req.IsCancel() || req.IsAck() {
		return nil
	}
	if _, ok := unsupportedHeader(req, handler); ok {
		return newValidationFailure(420, "Bad Extension")
	}
	return nil
}

// unsupportedHeader computes the Unsupported header for req given handler's
// supported extensions, returning ok=false when Require is absent or fully
// satisfied.
func unsupportedHeader(req *sip.Request, handler UasHandler) (sip.Header, bool) {
	require := req.GetHeader("Require")
	if require == nil {
		return nil, false
	}
	supported := make(map[string]struct{}, len(handler.Supported()))
	for _, s := range handler.Supported() {
		supported[s] = struct{}{}
	}

	var unsupported []string
	for _, tag := range strings.Split(require.Value(), ",") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := supported[tag]; !ok {
			unsupported = append(unsupported, tag)
		}
	}
	if len(unsupported) == 0 {
		return nil, false
	}
	return sip.NewHeader("Unsupported", strings.Join(unsupported, ", ")), true
}

func allowHeader(handler UasHandler) sip.Header {
	methods := handler.Allow()
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = m.String()
	}
	return sip.NewHeader("Allow", strings.Join(names, ", "))
}

func supportedHeader(handler UasHandler) (sip.Header, bool) {
	ext := handler.Supported()
	if len(ext) == 0 {
		return nil, false
	}
	return sip.NewHeader("Supported", strings.Join(ext, ", ")), true
}

// CreateResponse builds a response from req the way sip.NewResponseFromRequest
// does, then auto-populates Supported/Server from handler when the response
// doesn't already carry them.
func (p *Pipeline) CreateResponse(handler UasHandler, req *sip.Request, status int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, status, reason, body)
	if handler == nil {
		return res
	}
	if res.GetHeader("Supported") == nil {
		if hdr, ok := supportedHeader(handler); ok {
			res.AppendHeader(hdr)
		}
	}
	if res.GetHeader("Server") == nil && handler.Server() != "" {
		res.AppendHeader(sip.NewHeader("Server", handler.Server()))
	}
	return res
}

// SendResponse finishes a response for req, appending a To-tag once the
// dialog starts being established (status >= 200, no tag yet), running it
// past the dialog collaborator when it establishes a dialog, and writing it
// to tx.
func (p *Pipeline) SendResponse(handler UasHandler, req *sip.Request, tx sip.ServerTransaction, res *sip.Response) error {
	if res.GetHeader("Supported") == nil {
		if hdr, ok := supportedHeader(handler); ok {
			res.AppendHeader(hdr)
		}
	}
	if res.GetHeader("Server") == nil && handler != nil && handler.Server() != "" {
		res.AppendHeader(sip.NewHeader("Server", handler.Server()))
	}
	if res.GetHeader("Allow") == nil && handler != nil && len(handler.Allow()) > 0 {
		res.AppendHeader(allowHeader(handler))
	}

	if int(res.StatusCode) >= 200 {
		if to := res.To(); to != nil {
			if _, hasTag := to.Params.Get("tag"); !hasTag {
				if to.Params == nil {
					to.Params = sip.NewParams()
				}
				to.Params.Add("tag", sip.GenerateTagN(16))
			}
		}
	}

	establishing := p.Dialog != nil && p.Dialog.IsDialogEstablishing(req, res)
	if establishing {
		if err := p.Dialog.ValidateDialogResponse(req, res); err != nil {
			return fmt.Errorf("core: dialog validation rejected response: %w", err)
		}
		if len(res.GetHeaders("Record-Route")) == 0 {
			for _, rr := range req.GetHeaders("Record-Route") {
				res.AppendHeader(sip.NewHeader("Record-Route", rr.Value()))
			}
		}
	}

	if tx == nil {
		return fmt.Errorf("core: cannot send a reply for a request with no transaction")
	}
	if err := tx.Respond(res); err != nil {
		return err
	}

	if establishing {
		if err := p.Dialog.CreateDialog(tx, req, res); err != nil {
			p.log.Error().Err(err).Msg("dialog creation failed after sending response")
		}
	}
	return nil
}

// respondDirect sends res through the transaction when one exists, falling
// back to logging the failure; used for pre-dispatch rejections where no
// handler has been consulted yet.
func (p *Pipeline) respondDirect(tx sip.ServerTransaction, res *sip.Response) {
	if tx == nil {
		return
	}
	if err := tx.Respond(res); err != nil {
		p.log.Error().Err(err).Int("status", int(res.StatusCode)).Msg("failed to send validation response")
	}
}
