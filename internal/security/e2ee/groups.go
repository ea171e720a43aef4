package e2ee

import (
	"context"
	"errors"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/group"
)

// CreateMLSGroup 建立群組（epoch 0）
func (m *Manager) CreateMLSGroup(ctx context.Context, memberIDs []string, name string) (*group.GroupInfo, error) {
	info, err := m.groups.CreateMLSGroup(ctx, memberIDs, name)
	if err != nil {
		return nil, err
	}
	m.persistGroup(info.ID)
	for _, mem := range info.Members {
		m.audit.LogGroupEvent(ctx, "create", info.ID, mem.UserID, info.Epoch)
	}
	return info, nil
}

// AddGroupMember 加入成員並推進 epoch
func (m *Manager) AddGroupMember(ctx context.Context, groupID, userID, deviceID string) (*group.Commit, error) {
	commit, err := m.groups.AddGroupMember(ctx, groupID, userID, deviceID)
	if err != nil {
		return nil, err
	}
	m.persistGroup(groupID)
	m.audit.LogGroupEvent(ctx, "add_member", groupID, userID, commit.Epoch)
	return commit, nil
}

// RemoveGroupMember 移除成員並推進 epoch
func (m *Manager) RemoveGroupMember(ctx context.Context, groupID, userID string) (*group.Commit, error) {
	commit, err := m.groups.RemoveGroupMember(ctx, groupID, userID)
	if err != nil {
		return nil, err
	}
	m.persistGroup(groupID)
	m.audit.LogGroupEvent(ctx, "remove_member", groupID, userID, commit.Epoch)
	return commit, nil
}

// RotateGroupKeys 成員不變的密鑰更新
func (m *Manager) RotateGroupKeys(ctx context.Context, groupID string) (*group.Commit, error) {
	commit, err := m.groups.RotateGroupKeys(ctx, groupID)
	if err != nil {
		return nil, err
	}
	m.persistGroup(groupID)
	m.audit.LogGroupEvent(ctx, "rotate", groupID, "", commit.Epoch)
	return commit, nil
}

// EncryptGroupMessage 以當前 epoch 加密
func (m *Manager) EncryptGroupMessage(ctx context.Context, groupID, senderID string, plaintext []byte) (*group.GroupMessage, error) {
	return m.groups.EncryptGroupMessage(ctx, groupID, senderID, plaintext)
}

// DecryptGroupMessage 解密群組訊息；epoch 不符會寫入審計
func (m *Manager) DecryptGroupMessage(ctx context.Context, groupID, recipientID string, msg *group.GroupMessage) ([]byte, error) {
	pt, err := m.groups.DecryptGroupMessage(ctx, groupID, recipientID, msg)
	if err != nil && (errors.Is(err, cryptoerr.ErrEpochMismatch) || errors.Is(err, cryptoerr.ErrMalformedMessage)) {
		m.audit.LogCryptoFailure(ctx, "decrypt_group_message", recipientID, groupID, err.Error())
	}
	return pt, err
}

// GetGroup 群組資訊
func (m *Manager) GetGroup(groupID string) (*group.GroupInfo, error) {
	return m.groups.GetGroup(groupID)
}
