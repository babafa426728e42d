package sipgo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/icholy/digest"
	"github.com/sipstack/siptx/sip"
)

// DialogClientCache keeps track of in progress and established UAC dialogs,
// keyed by dialog ID, so that in-dialog requests (BYE) addressed to us can be
// matched back to the session that created them.
type DialogClientCache struct {
	ua      *DialogUA
	dialogs sync.Map // TODO replace with typed version
}

func (c *DialogClientCache) dialogsLen() int {
	leftItems := 0
	c.dialogs.Range(func(key, value any) bool {
		leftItems++
		return true
	})
	return leftItems
}

func (c *DialogClientCache) loadDialog(id string) *DialogClientSession {
	val, ok := c.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}

	t := val.(*DialogClientSession)
	return t
}

// NewDialogClientCache provides handle for managing UAC dialogs.
// Contact hdr must be provided for correct invite.
// In case handling different transports you should have multiple instances per transport
func NewDialogClientCache(client *Client, contactHDR sip.ContactHeader) *DialogClientCache {
	return &DialogClientCache{
		ua: &DialogUA{Client: client, ContactHDR: contactHDR},
	}
}

// Invite sends INVITE request and creates early dialog session.
// You need to call WaitAnswer after for establishing dialog
// For passing custom Invite request use WriteInvite
func (c *DialogClientCache) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if body != nil {
		req.SetBody(body)
	}

	for _, h := range headers {
		req.AppendHeader(h)
	}
	return c.WriteInvite(ctx, req)
}

func (c *DialogClientCache) WriteInvite(ctx context.Context, inviteRequest *sip.Request) (*DialogClientSession, error) {
	dtx, err := c.ua.WriteInvite(ctx, inviteRequest)
	if err != nil {
		return nil, err
	}
	dtx.cache = c
	return dtx, nil
}

// ReadBye should be called from your BYE handler for requests that target a
// dialog this cache established as UAC.
func (c *DialogClientCache) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return errors.Join(ErrDialogOutsideDialog, err)
	}

	dt := c.loadDialog(id)
	if dt == nil {
		return fmt.Errorf("callid=%q: %w", req.CallID().Value(), ErrDialogDoesNotExists)
	}

	return dt.ReadBye(req, tx)
}

type DialogClientSession struct {
	Dialog
	UA       *DialogUA
	cache    *DialogClientCache
	inviteTx sip.ClientTransaction
}

// Close must be always called in order to cleanup some internal resources
// Consider that this will not send BYE or CANCEL or change dialog state
func (s *DialogClientSession) Close() error {
	if s.cache != nil {
		s.cache.dialogs.Delete(s.ID)
	}
	return nil
}

// ReadBye terminates the session in response to an in-dialog BYE, used when
// a UAC dialog is also addressed directly by its peer (no proxy in between).
func (s *DialogClientSession) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	if req.CSeq().SeqNo != s.CSEQ()+1 {
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Cseq is incorect", nil)
		if err := tx.Respond(res); err != nil {
			return err
		}
		return ErrDialogInvalidCseq
	}

	defer s.Close()
	defer s.inviteTx.Terminate()

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	s.endWithCause(nil)
	return nil
}

type AnswerOptions struct {
	OnResponse func(res *sip.Response)

	// For digest authentication
	Username string
	Password string
}

// WaitAnswer waits for success response or returns ErrDialogResponse in case non 2xx
// Canceling context while waiting 2xx will send Cancel request
// Returns errors:
// - ErrDialogResponse in case non 2xx response
// - any internal in case waiting answer failed for different reasons
func (s *DialogClientSession) WaitAnswer(ctx context.Context, opts AnswerOptions) error {
	client, tx, inviteRequest := s.UA.Client, s.inviteTx, s.InviteRequest

	var r *sip.Response
	var err error
	for {
		select {
		case r = <-tx.Responses():
			// just pass
		case <-ctx.Done():
			// Send cancel
			defer tx.Terminate()
			if err := tx.Cancel(); err != nil {
				return errors.Join(err, ctx.Err())
			}
			return ctx.Err()

		case <-tx.Done():
			// tx.Err() can be empty
			return errors.Join(fmt.Errorf("transaction terminated"), tx.Err())
		}

		if opts.OnResponse != nil {
			opts.OnResponse(r)
		}

		if r.IsSuccess() {
			break
		}

		if r.IsProvisional() {
			continue
		}

		if (r.StatusCode == sip.StatusProxyAuthRequired) && opts.Password != "" {
			h := inviteRequest.GetHeader("Proxy-Authorization")
			if h == nil {
				tx.Terminate()
				tx, err = digestProxyAuthRequest(ctx, client, inviteRequest, r, digest.Options{
					Method:   sip.INVITE.String(),
					URI:      inviteRequest.Recipient.Addr(),
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		if r.StatusCode == sip.StatusUnauthorized && opts.Password != "" {
			h := inviteRequest.GetHeader("Authorization")
			if h == nil {
				tx.Terminate()
				tx, err = client.digestTransactionRequest(ctx, inviteRequest, r, digest.Options{
					Method:   sip.INVITE.String(),
					URI:      inviteRequest.Recipient.Addr(),
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		return &ErrDialogResponse{Res: r}
	}

	id, err := sip.MakeDialogIDFromResponse(r)
	if err != nil {
		return err
	}
	s.inviteTx = tx
	s.InviteResponse = r
	s.ID = id
	s.setState(sip.DialogStateEstablished)
	if s.cache != nil {
		s.cache.dialogs.Store(id, s)
	}
	return nil
}

// Ack sends ack. Use WriteAck for more customizing
func (s *DialogClientSession) Ack(ctx context.Context) error {
	ack := newAckRequestUAC(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteAck(ctx, ack)
}

func (s *DialogClientSession) WriteAck(ctx context.Context, ack *sip.Request) error {
	applyDialogRouteSet(ack, s.InviteResponse)
	if err := s.UA.Client.WriteRequest(ack); err != nil {
		return err
	}
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// Bye sends bye and terminates session. Use WriteBye if you want to customize bye request
func (s *DialogClientSession) Bye(ctx context.Context) error {
	bye := newByeRequestUAC(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteBye(ctx, bye)
}

func (s *DialogClientSession) WriteBye(ctx context.Context, bye *sip.Request) error {
	defer s.Close()

	state := s.state.Load()
	// In case dialog terminated
	if sip.DialogState(state) == sip.DialogStateEnded {
		return nil
	}

	// In case dialog was not updated
	if sip.DialogState(state) != sip.DialogStateConfirmed {
		return fmt.Errorf("Dialog not confirmed. ACK not send?")
	}

	res, err := s.Do(ctx, bye)
	if err != nil {
		return err
	}
	if res.StatusCode != 200 {
		return ErrDialogResponse{res}
	}
	s.endWithCause(nil)
	return nil
}

// Do sends an in-dialog request built by the caller and waits for its final
// response, terminating the underlying transaction once it arrives.
func (s *DialogClientSession) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	defer s.inviteTx.Terminate() // Terminates INVITE in all cases for non ACK/CANCEL subsequent requests

	cseq := req.CSeq()
	if cseq == nil {
		cseq = &sip.CSeqHeader{MethodName: req.Method}
		req.AppendHeader(cseq)
	}
	cseq.SeqNo = s.CSEQ()
	if !req.IsAck() && !req.IsCancel() {
		// Do cseq increment within dialog
		cseq.SeqNo = s.CSEQ() + 1
	}
	s.lastCSeqNo.Store(cseq.SeqNo)

	applyDialogRouteSet(req, s.InviteResponse)
	tx, err := s.UA.Client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		return res, nil
	case <-tx.Done():
		return nil, tx.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// applyDialogRouteSet rewrites req's Request-URI and Route headers according
// to the route set established by the dialog's 2xx response, right before
// the request is sent.
// https://datatracker.ietf.org/doc/html/rfc3261#section-12.2.1.1
func applyDialogRouteSet(req *sip.Request, inviteResponse *sip.Response) {
	rrHeaders := inviteResponse.GetHeaders("Record-Route")
	if len(rrHeaders) == 0 {
		req.SetDestination(req.Recipient.HostPort())
		return
	}

	values := make([]string, len(rrHeaders))
	for i, h := range rrHeaders {
		values[len(rrHeaders)-1-i] = h.Value()
	}

	for _, v := range values {
		req.AppendHeader(sip.NewHeader("Route", v))
	}

	if !strings.Contains(values[0], ";lr") {
		// Strict routing: the first route entry doubles as the request-URI,
		// and still remains present in the Route header field.
		var uri sip.Uri
		raw := strings.Trim(values[0], "<>")
		if err := sip.ParseUri(raw, &uri); err == nil {
			req.Recipient = uri
		}
	}

	if rr := req.Route(); rr != nil {
		req.SetDestination(rr.Address.HostPort())
	}
}

// newAckRequestUAC creates the ACK for a 2xx response to INVITE, sent as its
// own request outside of the INVITE transaction.
// https://datatracker.ietf.org/doc/html/rfc3261#section-13.2.2.4
func newAckRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	recipient := inviteRequest.Recipient
	if cont := inviteResponse.Contact(); cont != nil {
		recipient = cont.Address
	}

	ackRequest := sip.NewRequest(sip.ACK, recipient)
	ackRequest.SipVersion = inviteRequest.SipVersion

	maxForwardsHeader := sip.MaxForwardsHeader(70)
	ackRequest.AppendHeader(&maxForwardsHeader)
	if h := inviteRequest.From(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResponse.To(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CallID(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}

	cseq := inviteRequest.CSeq()
	ackCseq := &sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK}
	ackRequest.AppendHeader(ackCseq)

	ackRequest.SetBody(body)
	ackRequest.SetTransport(inviteRequest.Transport())
	ackRequest.SetSource(inviteRequest.Source())
	return ackRequest
}

// newByeRequestUAC creates bye request from established dialog
// https://datatracker.ietf.org/doc/html/rfc3261#section-15.1.1
// NOTE: it does not copy Via header. This is left to transport or caller to enforce
func newByeRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	recipient := inviteRequest.Recipient
	if cont := inviteResponse.Contact(); cont != nil {
		recipient = cont.Address
	}

	byeRequest := sip.NewRequest(sip.BYE, recipient)
	byeRequest.SipVersion = inviteRequest.SipVersion

	maxForwardsHeader := sip.MaxForwardsHeader(70)
	byeRequest.AppendHeader(&maxForwardsHeader)
	if h := inviteRequest.From(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteResponse.To(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteRequest.CallID(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteRequest.CSeq(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	cseq := byeRequest.CSeq()
	cseq.SeqNo = cseq.SeqNo + 1
	cseq.MethodName = sip.BYE

	byeRequest.SetBody(body)
	byeRequest.SetTransport(inviteRequest.Transport())
	byeRequest.SetSource(inviteRequest.Source())
	return byeRequest
}
