package encryption

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// EnvelopeKind 信封類型
type EnvelopeKind uint64

const (
	EnvelopeKindPairwise EnvelopeKind = 1
	EnvelopeKindGroup    EnvelopeKind = 2
	EnvelopeKindHybrid   EnvelopeKind = 3
)

// Envelope 傳輸層收到的不透明密文信封
// 欄位以 protobuf wire format 編碼，傳輸層不需要理解內容
type Envelope struct {
	Kind           EnvelopeKind
	Algorithm      string
	SessionID      string
	SenderUserID   string
	SenderDeviceID string

	// Double Ratchet 標頭
	DHPub []byte
	PN    uint32
	N     uint32

	// 首批訊息攜帶的 X3DH 握手資料
	Handshake *HandshakeFields

	// 群組訊息
	GroupID    string
	Epoch      uint64
	SenderLeaf uint32
	Ciphertext []byte
}

// HandshakeFields X3DH 握手欄位
type HandshakeFields struct {
	SenderUserID    string
	SenderDeviceID  string
	IdentityKey     []byte
	EphemeralKey    []byte
	SignedPrekeyID  string
	OneTimePrekeyID string // 空字串表示未使用一次性預密鑰
}

// 欄位編號
const (
	fieldKind protowire.Number = iota + 1
	fieldAlgorithm
	fieldSessionID
	fieldSenderUserID
	fieldSenderDeviceID
	fieldDHPub
	fieldPN
	fieldN
	fieldHandshake
	fieldGroupID
	fieldEpoch
	fieldSenderLeaf
	fieldCiphertext
)

const (
	hsFieldSenderUserID protowire.Number = iota + 1
	hsFieldSenderDeviceID
	hsFieldIdentityKey
	hsFieldEphemeralKey
	hsFieldSignedPrekeyID
	hsFieldOneTimePrekeyID
)

var errTruncatedEnvelope = errors.New("truncated envelope")

// MarshalEnvelope 編碼信封
func MarshalEnvelope(env *Envelope) []byte {
	var b []byte
	b = appendVarint(b, fieldKind, uint64(env.Kind))
	b = appendString(b, fieldAlgorithm, env.Algorithm)
	b = appendString(b, fieldSessionID, env.SessionID)
	b = appendString(b, fieldSenderUserID, env.SenderUserID)
	b = appendString(b, fieldSenderDeviceID, env.SenderDeviceID)
	b = appendBytes(b, fieldDHPub, env.DHPub)
	b = appendVarint(b, fieldPN, uint64(env.PN))
	b = appendVarint(b, fieldN, uint64(env.N))
	if env.Handshake != nil {
		b = appendBytes(b, fieldHandshake, marshalHandshake(env.Handshake))
	}
	b = appendString(b, fieldGroupID, env.GroupID)
	b = appendVarint(b, fieldEpoch, env.Epoch)
	b = appendVarint(b, fieldSenderLeaf, uint64(env.SenderLeaf))
	b = appendBytes(b, fieldCiphertext, env.Ciphertext)
	return b
}

// UnmarshalEnvelope 解碼信封，未知欄位略過
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	env := &Envelope{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) (err error) {
		switch num {
		case fieldKind:
			env.Kind = EnvelopeKind(v)
		case fieldAlgorithm:
			env.Algorithm = string(raw)
		case fieldSessionID:
			env.SessionID = string(raw)
		case fieldSenderUserID:
			env.SenderUserID = string(raw)
		case fieldSenderDeviceID:
			env.SenderDeviceID = string(raw)
		case fieldDHPub:
			env.DHPub = clone(raw)
		case fieldPN:
			if env.PN, err = uint32Field("pn", v); err != nil {
				return err
			}
		case fieldN:
			if env.N, err = uint32Field("n", v); err != nil {
				return err
			}
		case fieldHandshake:
			hs, err := unmarshalHandshake(raw)
			if err != nil {
				return err
			}
			env.Handshake = hs
		case fieldGroupID:
			env.GroupID = string(raw)
		case fieldEpoch:
			env.Epoch = v
		case fieldSenderLeaf:
			if env.SenderLeaf, err = uint32Field("sender_leaf", v); err != nil {
				return err
			}
		case fieldCiphertext:
			env.Ciphertext = clone(raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if env.Kind == 0 {
		return nil, fmt.Errorf("envelope kind missing")
	}
	return env, nil
}

func marshalHandshake(hs *HandshakeFields) []byte {
	var b []byte
	b = appendString(b, hsFieldSenderUserID, hs.SenderUserID)
	b = appendString(b, hsFieldSenderDeviceID, hs.SenderDeviceID)
	b = appendBytes(b, hsFieldIdentityKey, hs.IdentityKey)
	b = appendBytes(b, hsFieldEphemeralKey, hs.EphemeralKey)
	b = appendString(b, hsFieldSignedPrekeyID, hs.SignedPrekeyID)
	b = appendString(b, hsFieldOneTimePrekeyID, hs.OneTimePrekeyID)
	return b
}

func unmarshalHandshake(data []byte) (*HandshakeFields, error) {
	hs := &HandshakeFields{}
	err := walk(data, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
		switch num {
		case hsFieldSenderUserID:
			hs.SenderUserID = string(raw)
		case hsFieldSenderDeviceID:
			hs.SenderDeviceID = string(raw)
		case hsFieldIdentityKey:
			hs.IdentityKey = clone(raw)
		case hsFieldEphemeralKey:
			hs.EphemeralKey = clone(raw)
		case hsFieldSignedPrekeyID:
			hs.SignedPrekeyID = string(raw)
		case hsFieldOneTimePrekeyID:
			hs.OneTimePrekeyID = string(raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hs, nil
}

// uint32Field 超出 32 位元的計數器視為格式錯誤，不截斷
func uint32Field(name string, v uint64) (uint32, error) {
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s %d overflows uint32", errTruncatedEnvelope, name, v)
	}
	return uint32(v), nil
}

// walk 逐一讀取欄位；varint 透過 v 傳回，bytes 透過 raw 傳回
func walk(data []byte, fn func(protowire.Number, protowire.Type, uint64, []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", errTruncatedEnvelope, protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("%w: %v", errTruncatedEnvelope, protowire.ParseError(m))
			}
			data = data[m:]
			if err := fn(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("%w: %v", errTruncatedEnvelope, protowire.ParseError(m))
			}
			data = data[m:]
			if err := fn(num, typ, 0, raw); err != nil {
				return err
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return fmt.Errorf("%w: %v", errTruncatedEnvelope, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
