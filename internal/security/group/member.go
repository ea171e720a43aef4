package group

import (
	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

// OpenCommit 以葉節點私鑰開啟 commit 中封裝給自己的秘密
// welcome 為 true 時回傳 epoch secret，否則回傳 commit secret
func OpenCommit(commit *Commit, leafIndex uint32, leaf *encryption.KeyPair) (secret []byte, welcome bool, err error) {
	const op = "open_commit"
	if commit == nil || leaf == nil {
		return nil, false, cryptoerr.New(op, cryptoerr.ErrValidation, "commit and leaf key are required")
	}
	if sealed, ok := commit.Welcome[leafIndex]; ok {
		secret, err = openFromLeaf(leaf, sealed, sealAD(commit.GroupID, commit.Epoch, leafIndex, true))
		return secret, true, err
	}
	if sealed, ok := commit.Secrets[leafIndex]; ok {
		secret, err = openFromLeaf(leaf, sealed, sealAD(commit.GroupID, commit.Epoch, leafIndex, false))
		return secret, false, err
	}
	return nil, false, cryptoerr.New(op, cryptoerr.ErrValidation, "leaf %d is not a recipient of epoch %d", leafIndex, commit.Epoch)
}

// MemberState 成員設備端的群組密鑰狀態
type MemberState struct {
	groupID   string
	leafIndex uint32
	leaf      *encryption.KeyPair
	epoch     uint64
	joined    bool
	secrets   *epochSecrets
}

// NewMemberState 以葉節點密鑰建立成員狀態，需先套用 Welcome 才能解密
func NewMemberState(groupID string, leafIndex uint32, leaf *encryption.KeyPair) *MemberState {
	return &MemberState{
		groupID:   groupID,
		leafIndex: leafIndex,
		leaf: &encryption.KeyPair{
			PrivateKey: encryption.Clone(leaf.PrivateKey),
			PublicKey:  encryption.Clone(leaf.PublicKey),
		},
	}
}

// Apply 套用 commit 進入下一個 epoch
func (s *MemberState) Apply(commit *Commit) error {
	const op = "apply_commit"
	if commit == nil || commit.GroupID != s.groupID {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "commit does not belong to group %s", s.groupID)
	}
	if s.joined && commit.Epoch != s.epoch+1 {
		return cryptoerr.New(op, cryptoerr.ErrEpochMismatch, "commit epoch %d does not follow %d", commit.Epoch, s.epoch)
	}

	secret, welcome, err := OpenCommit(commit, s.leafIndex, s.leaf)
	if err != nil {
		return err
	}
	defer encryption.Zero(secret)

	var next *epochSecrets
	switch {
	case welcome:
		next, err = expandEpoch(secret)
	case !s.joined:
		return cryptoerr.New(op, cryptoerr.ErrEpochMismatch, "a welcome is required before epoch %d", commit.Epoch)
	default:
		next, err = deriveEpoch(secret, s.secrets.initSecret)
	}
	if err != nil {
		return cryptoerr.Wrap(op, cryptoerr.ErrMalformedMessage, err)
	}

	s.secrets.wipe()
	s.secrets = next
	s.epoch = commit.Epoch
	s.joined = true
	return nil
}

// Epoch 目前 epoch
func (s *MemberState) Epoch() uint64 { return s.epoch }

// GroupKey 目前 epoch 的群組密鑰副本
func (s *MemberState) GroupKey() []byte {
	if s.secrets == nil {
		return nil
	}
	return encryption.Clone(s.secrets.groupKey)
}

// Decrypt 解密目前 epoch 的群組訊息
func (s *MemberState) Decrypt(msg *GroupMessage) ([]byte, error) {
	const op = "decrypt_group_message"
	if !s.joined {
		return nil, cryptoerr.New(op, cryptoerr.ErrEpochMismatch, "member has not joined %s", s.groupID)
	}
	if msg.GroupID != s.groupID || msg.Epoch != s.epoch {
		return nil, cryptoerr.New(op, cryptoerr.ErrEpochMismatch, "message epoch %d, member epoch %d", msg.Epoch, s.epoch)
	}
	return OpenGroupMessage(s.secrets.groupKey, msg)
}

// Wipe 清零成員狀態
func (s *MemberState) Wipe() {
	s.secrets.wipe()
	s.leaf.Wipe()
}
