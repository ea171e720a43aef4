package session

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

const (
	maxRetiredPeers = 32
	labelRootKDF    = "e2ee|dr|rk"
	labelChainKDF   = "e2ee|dr|ck"
)

// Header ratchet 訊息標頭
type Header struct {
	DHPub []byte `json:"dh_pub"`
	PN    uint32 `json:"pn"` // 上一條發送鏈的訊息數
	N     uint32 `json:"n"`  // 本鏈中的訊息序號
}

func (h Header) bytes() []byte {
	out := make([]byte, 0, len(h.DHPub)+8)
	out = append(out, h.DHPub...)
	out = binary.BigEndian.AppendUint32(out, h.PN)
	return binary.BigEndian.AppendUint32(out, h.N)
}

// ratchetState Double Ratchet 狀態
// 發送鏈在 DH 步進後延遲到下一次發送才建立
type ratchetState struct {
	RootKey   []byte
	DHPriv    []byte
	DHPub     []byte
	PeerDHPub []byte
	SendCK    []byte
	RecvCK    []byte
	Ns        uint32
	Nr        uint32
	PN        uint32

	skipped map[string][]byte
	order   []string // skipped 的插入順序，淘汰最舊的
	retired [][]byte // 已退役的對方 ratchet 公鑰
	maxSkip int
}

// newInitiatorRatchet 初始者：以 X3DH 臨時密鑰作為第一把 ratchet 密鑰
func newInitiatorRatchet(sk []byte, ephemeral *encryption.KeyPair, peerSPK []byte, maxSkip int) (*ratchetState, error) {
	dh, err := encryption.DH(ephemeral.PrivateKey, peerSPK)
	if err != nil {
		return nil, err
	}
	defer encryption.Zero(dh)
	rk, ck, err := kdfRK(sk, dh)
	if err != nil {
		return nil, err
	}
	return &ratchetState{
		RootKey:   rk,
		DHPriv:    encryption.Clone(ephemeral.PrivateKey),
		DHPub:     encryption.Clone(ephemeral.PublicKey),
		PeerDHPub: encryption.Clone(peerSPK),
		SendCK:    ck,
		skipped:   make(map[string][]byte),
		maxSkip:   maxSkip,
	}, nil
}

// newResponderRatchet 回應者：以簽名預密鑰作為第一把 ratchet 密鑰
func newResponderRatchet(sk []byte, signedPrekey *encryption.KeyPair, peerEphemeral []byte, maxSkip int) (*ratchetState, error) {
	dh, err := encryption.DH(signedPrekey.PrivateKey, peerEphemeral)
	if err != nil {
		return nil, err
	}
	defer encryption.Zero(dh)
	rk, ck, err := kdfRK(sk, dh)
	if err != nil {
		return nil, err
	}
	return &ratchetState{
		RootKey:   rk,
		DHPriv:    encryption.Clone(signedPrekey.PrivateKey),
		DHPub:     encryption.Clone(signedPrekey.PublicKey),
		PeerDHPub: encryption.Clone(peerEphemeral),
		RecvCK:    ck,
		skipped:   make(map[string][]byte),
		maxSkip:   maxSkip,
	}, nil
}

// encrypt 先推進發送鏈再加密；返回前狀態已前進
func (st *ratchetState) encrypt(ad, plaintext []byte) (Header, []byte, error) {
	if len(st.SendCK) == 0 {
		if err := st.sendStep(); err != nil {
			return Header{}, nil, err
		}
	}

	mk, err := st.advance(&st.SendCK)
	if err != nil {
		return Header{}, nil, err
	}
	defer encryption.Zero(mk)

	h := Header{DHPub: encryption.Clone(st.DHPub), PN: st.PN, N: st.Ns}
	ct, err := encryption.SealChaCha(mk, nonceFor(h.N), plaintext, append(encryption.Clone(ad), h.bytes()...))
	if err != nil {
		return Header{}, nil, err
	}
	st.Ns++
	return h, ct, nil
}

// sendStep 生成新的 ratchet 密鑰並建立發送鏈
func (st *ratchetState) sendStep() error {
	kp, err := encryption.GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	dh, err := encryption.DH(kp.PrivateKey, st.PeerDHPub)
	if err != nil {
		kp.Wipe()
		return err
	}
	defer encryption.Zero(dh)
	rk, ck, err := kdfRK(st.RootKey, dh)
	if err != nil {
		kp.Wipe()
		return err
	}
	encryption.Zero(st.RootKey)
	encryption.Zero(st.DHPriv)
	st.RootKey = rk
	st.DHPriv, st.DHPub = kp.PrivateKey, kp.PublicKey
	st.SendCK = ck
	st.PN = st.Ns
	st.Ns = 0
	return nil
}

// decrypt 直接修改 st；呼叫端應在副本上操作並於成功後提交
func (st *ratchetState) decrypt(ad []byte, h Header, ciphertext []byte) ([]byte, error) {
	const op = "decrypt_message"
	if len(h.DHPub) != encryption.KeySize {
		return nil, cryptoerr.New(op, cryptoerr.ErrMalformedMessage, "ratchet public key must be %d bytes", encryption.KeySize)
	}
	fullAD := append(encryption.Clone(ad), h.bytes()...)

	id := skippedID(h.DHPub, h.N)
	if mk, ok := st.skipped[id]; ok {
		pt, err := encryption.OpenChaCha(mk, nonceFor(h.N), ciphertext, fullAD)
		if err != nil {
			return nil, cryptoerr.Wrap(op, cryptoerr.ErrMalformedMessage, err)
		}
		st.dropSkipped(id)
		return pt, nil
	}

	switch {
	case bytes.Equal(h.DHPub, st.PeerDHPub):
		if len(st.RecvCK) == 0 {
			return nil, cryptoerr.New(op, cryptoerr.ErrMalformedMessage, "no receiving chain for ratchet key")
		}
		if h.N < st.Nr {
			return nil, cryptoerr.New(op, cryptoerr.ErrReplay, "message %d already consumed", h.N)
		}
	case st.isRetired(h.DHPub):
		return nil, cryptoerr.New(op, cryptoerr.ErrReplay, "message %d belongs to a retired chain", h.N)
	default:
		if len(st.RecvCK) > 0 {
			if err := st.skipUntil(h.PN); err != nil {
				return nil, err
			}
		}
		if err := st.receiveStep(h.DHPub); err != nil {
			return nil, cryptoerr.Wrap(op, cryptoerr.ErrMalformedMessage, err)
		}
	}

	if err := st.skipUntil(h.N); err != nil {
		return nil, err
	}
	mk, err := st.advance(&st.RecvCK)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrMalformedMessage, err)
	}
	defer encryption.Zero(mk)

	pt, err := encryption.OpenChaCha(mk, nonceFor(h.N), ciphertext, fullAD)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrMalformedMessage, err)
	}
	st.Nr = h.N + 1
	return pt, nil
}

// receiveStep 對方換了 ratchet 密鑰：建立新的接收鏈，發送鏈留待下次發送
func (st *ratchetState) receiveStep(peerPub []byte) error {
	dh, err := encryption.DH(st.DHPriv, peerPub)
	if err != nil {
		return err
	}
	defer encryption.Zero(dh)
	rk, ck, err := kdfRK(st.RootKey, dh)
	if err != nil {
		return err
	}

	st.retire(st.PeerDHPub)
	encryption.Zero(st.RootKey)
	encryption.Zero(st.RecvCK)
	encryption.Zero(st.SendCK)
	st.RootKey = rk
	st.RecvCK = ck
	st.SendCK = nil
	st.PeerDHPub = encryption.Clone(peerPub)
	st.Nr = 0
	return nil
}

// skipUntil 衍生並暫存 [Nr, until) 的訊息密鑰，超過上限時淘汰最舊的
func (st *ratchetState) skipUntil(until uint32) error {
	if until <= st.Nr {
		return nil
	}
	if int(until-st.Nr) > st.maxSkip {
		return cryptoerr.New("decrypt_message", cryptoerr.ErrMalformedMessage, "message skips %d keys, limit is %d", until-st.Nr, st.maxSkip)
	}
	for st.Nr < until {
		mk, err := st.advance(&st.RecvCK)
		if err != nil {
			return cryptoerr.Wrap("decrypt_message", cryptoerr.ErrMalformedMessage, err)
		}
		for len(st.order) >= st.maxSkip {
			st.dropSkipped(st.order[0])
		}
		id := skippedID(st.PeerDHPub, st.Nr)
		st.skipped[id] = mk
		st.order = append(st.order, id)
		st.Nr++
	}
	return nil
}

// advance 推進鏈密鑰，舊的鏈密鑰立即清零
func (st *ratchetState) advance(ck *[]byte) ([]byte, error) {
	if len(*ck) == 0 {
		return nil, fmt.Errorf("chain key is uninitialised")
	}
	next, mk, err := kdfCK(*ck)
	if err != nil {
		return nil, err
	}
	encryption.Zero(*ck)
	*ck = next
	return mk, nil
}

func (st *ratchetState) dropSkipped(id string) {
	if mk, ok := st.skipped[id]; ok {
		encryption.Zero(mk)
		delete(st.skipped, id)
	}
	for i, o := range st.order {
		if o == id {
			st.order = append(st.order[:i:i], st.order[i+1:]...)
			break
		}
	}
}

func (st *ratchetState) retire(pub []byte) {
	if len(pub) == 0 {
		return
	}
	st.retired = append(st.retired, encryption.Clone(pub))
	if len(st.retired) > maxRetiredPeers {
		st.retired = st.retired[len(st.retired)-maxRetiredPeers:]
	}
}

func (st *ratchetState) isRetired(pub []byte) bool {
	for _, r := range st.retired {
		if bytes.Equal(r, pub) {
			return true
		}
	}
	return false
}

// clone 深複製，用於解密失敗時不污染狀態
func (st *ratchetState) clone() *ratchetState {
	out := &ratchetState{
		RootKey:   encryption.Clone(st.RootKey),
		DHPriv:    encryption.Clone(st.DHPriv),
		DHPub:     encryption.Clone(st.DHPub),
		PeerDHPub: encryption.Clone(st.PeerDHPub),
		SendCK:    encryption.Clone(st.SendCK),
		RecvCK:    encryption.Clone(st.RecvCK),
		Ns:        st.Ns,
		Nr:        st.Nr,
		PN:        st.PN,
		skipped:   make(map[string][]byte, len(st.skipped)),
		order:     append([]string(nil), st.order...),
		maxSkip:   st.maxSkip,
	}
	for k, v := range st.skipped {
		out.skipped[k] = encryption.Clone(v)
	}
	for _, r := range st.retired {
		out.retired = append(out.retired, encryption.Clone(r))
	}
	return out
}

func (st *ratchetState) wipe() {
	if st == nil {
		return
	}
	encryption.Zero(st.RootKey)
	encryption.Zero(st.DHPriv)
	encryption.Zero(st.SendCK)
	encryption.Zero(st.RecvCK)
	for id := range st.skipped {
		encryption.Zero(st.skipped[id])
	}
	st.skipped = map[string][]byte{}
	st.order = nil
}

func kdfRK(rk, dh []byte) (newRK, ck []byte, err error) {
	out, err := encryption.HKDF(dh, rk, []byte(labelRootKDF), 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

func kdfCK(ck []byte) (nextCK, mk []byte, err error) {
	out, err := encryption.HKDF(ck, nil, []byte(labelChainKDF), 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// nonceFor 每個訊息密鑰只用一次，以序號作為 nonce
func nonceFor(n uint32) []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint32(nonce[8:], n)
	return nonce
}

func skippedID(pub []byte, n uint32) string {
	return string(binary.BigEndian.AppendUint32(encryption.Clone(pub), n))
}
