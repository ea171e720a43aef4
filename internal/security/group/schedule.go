package group

import (
	"encoding/binary"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

const (
	labelEpoch     = "e2ee|mls|epoch"
	labelGroupKey  = "group key"
	labelInit      = "init"
	labelSender    = "e2ee|mls|sender"
	labelLeafSeal  = "e2ee|mls|leaf-seal"
	sealedOverhead = encryption.KeySize
)

// epochSecrets 單一 epoch 的衍生密鑰
type epochSecrets struct {
	epochSecret []byte
	groupKey    []byte
	initSecret  []byte
}

func (e *epochSecrets) wipe() {
	if e == nil {
		return
	}
	encryption.Zero(e.epochSecret)
	encryption.Zero(e.groupKey)
	encryption.Zero(e.initSecret)
}

// deriveEpoch epoch_secret = HKDF(commit_secret, salt=上一個 init_secret)
func deriveEpoch(commitSecret, prevInit []byte) (*epochSecrets, error) {
	if len(prevInit) == 0 {
		prevInit = make([]byte, encryption.KeySize)
	}
	es, err := encryption.HKDF(commitSecret, prevInit, []byte(labelEpoch), encryption.KeySize)
	if err != nil {
		return nil, err
	}
	defer encryption.Zero(es)
	return expandEpoch(es)
}

// expandEpoch 由 epoch secret 展開群組密鑰與下一個 init secret
func expandEpoch(epochSecret []byte) (*epochSecrets, error) {
	gk, err := encryption.HKDFExpand(epochSecret, []byte(labelGroupKey), encryption.KeySize)
	if err != nil {
		return nil, err
	}
	next, err := encryption.HKDFExpand(epochSecret, []byte(labelInit), encryption.KeySize)
	if err != nil {
		return nil, err
	}
	return &epochSecrets{epochSecret: encryption.Clone(epochSecret), groupKey: gk, initSecret: next}, nil
}

// senderKey 每個葉節點在同一 epoch 中使用獨立的訊息密鑰
func senderKey(groupKey []byte, leaf uint32) ([]byte, error) {
	salt := binary.BigEndian.AppendUint32(nil, leaf)
	return encryption.HKDF(groupKey, salt, []byte(labelSender), encryption.KeySize)
}

func messageAD(groupID string, epoch uint64, leaf uint32) []byte {
	ad := make([]byte, 0, len(groupID)+12)
	ad = append(ad, groupID...)
	ad = binary.BigEndian.AppendUint64(ad, epoch)
	return binary.BigEndian.AppendUint32(ad, leaf)
}

// sealGroupMessage 以 epoch 群組密鑰加密
func sealGroupMessage(groupKey []byte, groupID string, epoch uint64, leaf uint32, plaintext []byte) ([]byte, error) {
	mk, err := senderKey(groupKey, leaf)
	if err != nil {
		return nil, err
	}
	defer encryption.Zero(mk)
	return encryption.SealXChaCha(mk, plaintext, messageAD(groupID, epoch, leaf))
}

// OpenGroupMessage 以指定的 epoch 群組密鑰解密
func OpenGroupMessage(groupKey []byte, msg *GroupMessage) ([]byte, error) {
	const op = "decrypt_group_message"
	mk, err := senderKey(groupKey, msg.SenderLeaf)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrMalformedMessage, err)
	}
	defer encryption.Zero(mk)
	pt, err := encryption.OpenXChaCha(mk, msg.Ciphertext, messageAD(msg.GroupID, msg.Epoch, msg.SenderLeaf))
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrMalformedMessage, err)
	}
	return pt, nil
}

func sealAD(groupID string, epoch uint64, leaf uint32, welcome bool) []byte {
	ad := messageAD(groupID, epoch, leaf)
	if welcome {
		return append(ad, 'w')
	}
	return append(ad, 'c')
}

// sealToLeaf 以臨時 X25519 密鑰將秘密封裝給葉節點公鑰
// 輸出：臨時公鑰 ‖ XChaCha20-Poly1305 密文
func sealToLeaf(leafPub, secret, ad []byte) ([]byte, error) {
	eph, err := encryption.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	defer eph.Wipe()
	dh, err := encryption.DH(eph.PrivateKey, leafPub)
	if err != nil {
		return nil, err
	}
	key, err := leafKEK(dh, eph.PublicKey, leafPub)
	if err != nil {
		return nil, err
	}
	defer encryption.Zero(key)
	ct, err := encryption.SealXChaCha(key, secret, ad)
	if err != nil {
		return nil, err
	}
	return append(encryption.Clone(eph.PublicKey), ct...), nil
}

func openFromLeaf(leaf *encryption.KeyPair, sealed, ad []byte) ([]byte, error) {
	const op = "open_commit"
	if len(sealed) <= sealedOverhead {
		return nil, cryptoerr.New(op, cryptoerr.ErrMalformedMessage, "sealed secret is truncated")
	}
	ephPub := sealed[:sealedOverhead]
	dh, err := encryption.DH(leaf.PrivateKey, ephPub)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrMalformedMessage, err)
	}
	key, err := leafKEK(dh, ephPub, leaf.PublicKey)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrMalformedMessage, err)
	}
	defer encryption.Zero(key)
	secret, err := encryption.OpenXChaCha(key, sealed[sealedOverhead:], ad)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrMalformedMessage, err)
	}
	return secret, nil
}

// leafKEK 封裝密鑰綁定臨時公鑰與葉節點公鑰，dh 使用後清零
func leafKEK(dh, ephPub, leafPub []byte) ([]byte, error) {
	defer encryption.Zero(dh)
	salt := make([]byte, 0, len(ephPub)+len(leafPub))
	salt = append(salt, ephPub...)
	salt = append(salt, leafPub...)
	return encryption.HKDF(dh, salt, []byte(labelLeafSeal), encryption.KeySize)
}
