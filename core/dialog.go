package core

import "github.com/sipstack/siptx/sip"

// DialogCollaborator lets the pipeline cooperate with a dialog layer on
// dialog-establishing responses without depending on one concretely. The
// root package's DialogServerCache implements this against the UAS dialog
// session machinery.
type DialogCollaborator interface {
	// IsDialogEstablishing reports whether res, sent in answer to req,
	// creates a new dialog (e.g. a 2xx to INVITE).
	IsDialogEstablishing(req *sip.Request, res *sip.Response) bool

	// ValidateDialogResponse lets the collaborator reject a response before
	// it's sent, e.g. because no matching dialog state exists.
	ValidateDialogResponse(req *sip.Request, res *sip.Response) error

	// CreateDialog is called once a dialog-establishing response has been
	// written to the transaction, so dialog state can be created from it.
	CreateDialog(uas sip.ServerTransaction, req *sip.Request, res *sip.Response) error
}
