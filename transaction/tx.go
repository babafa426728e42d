package transaction

import (
	"sync"

	"github.com/sipstack/siptx/sip"
	"github.com/sipstack/siptx/transport"

	"github.com/rs/zerolog"
)

type commonTx struct {
	key string

	origin *sip.Request
	// tpl    *transport.Layer

	conn     transport.Connection
	lastResp *sip.Response

	errs    chan error
	lastErr error
	done    chan struct{}

	//State machine control
	fsmMu    sync.RWMutex
	fsmState FsmContextState

	log         zerolog.Logger
	onTerminate []sip.FnTxTerminate
}

func (tx *commonTx) String() string {
	if tx == nil {
		return "<nil>"
	}

	// fields := tx.Log().Fields().WithFields(log.Fields{
	// 	"key": tx.key,
	// })
	return tx.key

	// return fmt.Sprintf("%s<%s>", tx.Log().Prefix(), fields)
}

func (tx *commonTx) Origin() *sip.Request {
	return tx.origin
}

func (tx *commonTx) Key() string {
	return tx.key
}

// func (tx *commonTx) Transport() sip.Transport {
// 	return tx.tpl
// }

// Errors can be passed via channel. Channel is created on first call of this function
func (tx *commonTx) Errors() <-chan error {
	if tx.errs != nil {
		return tx.errs
	}
	tx.errs = make(chan error)
	return tx.errs
}

func (tx *commonTx) Done() <-chan struct{} {
	return tx.done
}

// OnTerminate registers f to be called once this transaction terminates,
// alongside any other callback already registered. It returns false if the
// transaction has already terminated, matching sip.Transaction's contract.
func (tx *commonTx) OnTerminate(f sip.FnTxTerminate) bool {
	select {
	case <-tx.done:
		return false
	default:
	}
	tx.onTerminate = append(tx.onTerminate, f)
	return true
}

// fireTerminate runs every registered OnTerminate callback with key/err.
func (tx *commonTx) fireTerminate(key string, err error) {
	for _, f := range tx.onTerminate {
		f(key, err)
	}
}

// Err reports the error that caused this transaction to terminate, if any.
func (tx *commonTx) Err() error {
	return tx.lastErr
}

// spinFsm feeds the input to the FSM under fsmMu until it yields FsmInputNone.
func (tx *commonTx) spinFsm(in FsmInput) {
	tx.fsmMu.Lock()
	for i := in; i != FsmInputNone; {
		i = tx.fsmState(i)
	}
	tx.fsmMu.Unlock()
}
