package krb5

import (
	"github.com/jcmturner/gokrb5/v8/messages"
)

// Reply is the part of an AS-REP or TGS-REP kept on a transaction.
type Reply struct {
	CName string
	Realm string
	SName string
	EType int32
}

// ErrorReply is the part of a KRB-ERROR kept on a transaction.
type ErrorReply struct {
	CName     string
	Realm     string
	SName     string
	ErrorCode int32
	EText     string
}

// Decoder decodes complete Kerberos messages.
type Decoder interface {
	DecodeASRep(b []byte) (Reply, error)
	DecodeTGSRep(b []byte) (Reply, error)
	DecodeError(b []byte) (ErrorReply, error)
}

// gokrb5Decoder decodes with github.com/jcmturner/gokrb5.
type gokrb5Decoder struct{}

func (gokrb5Decoder) DecodeASRep(b []byte) (Reply, error) {
	var rep messages.ASRep
	if err := rep.Unmarshal(b); err != nil {
		return Reply{}, err
	}
	return replyFrom(rep.KDCRepFields), nil
}

func (gokrb5Decoder) DecodeTGSRep(b []byte) (Reply, error) {
	var rep messages.TGSRep
	if err := rep.Unmarshal(b); err != nil {
		return Reply{}, err
	}
	return replyFrom(rep.KDCRepFields), nil
}

func (gokrb5Decoder) DecodeError(b []byte) (ErrorReply, error) {
	var e messages.KRBError
	if err := e.Unmarshal(b); err != nil {
		return ErrorReply{}, err
	}
	return ErrorReply{
		CName:     e.CName.PrincipalNameString(),
		Realm:     e.CRealm,
		SName:     e.SName.PrincipalNameString(),
		ErrorCode: e.ErrorCode,
		EText:     e.EText,
	}, nil
}

func replyFrom(f messages.KDCRepFields) Reply {
	return Reply{
		CName: f.CName.PrincipalNameString(),
		Realm: f.CRealm,
		SName: f.Ticket.SName.PrincipalNameString(),
		EType: f.EncPart.EType,
	}
}
