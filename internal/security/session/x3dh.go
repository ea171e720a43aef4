package session

import (
	"e2ee-gateway/internal/security/encryption"
)

const labelX3DH = "e2ee|x3dh"

// x3dhPad 依 X3DH 規範在 DH 輸出前加上 32 bytes 的 0xFF
var x3dhPad = []byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// initiatorSecret 初始者的 X3DH 共享秘密
// DH1=DH(IK_A, SPK_B) DH2=DH(EK_A, IK_B) DH3=DH(EK_A, SPK_B) DH4=DH(EK_A, OPK_B)
func initiatorSecret(identity, ephemeral *encryption.KeyPair, peerIdentity, peerSPK, peerOPK []byte) ([]byte, error) {
	pairs := [][2][]byte{
		{identity.PrivateKey, peerSPK},
		{ephemeral.PrivateKey, peerIdentity},
		{ephemeral.PrivateKey, peerSPK},
	}
	if len(peerOPK) > 0 {
		pairs = append(pairs, [2][]byte{ephemeral.PrivateKey, peerOPK})
	}
	return combine(pairs)
}

// responderSecret 回應者的 X3DH 共享秘密，與 initiatorSecret 對稱
func responderSecret(identity, signedPrekey, oneTime *encryption.KeyPair, peerIdentity, peerEphemeral []byte) ([]byte, error) {
	pairs := [][2][]byte{
		{signedPrekey.PrivateKey, peerIdentity},
		{identity.PrivateKey, peerEphemeral},
		{signedPrekey.PrivateKey, peerEphemeral},
	}
	if oneTime != nil {
		pairs = append(pairs, [2][]byte{oneTime.PrivateKey, peerEphemeral})
	}
	return combine(pairs)
}

func combine(pairs [][2][]byte) ([]byte, error) {
	ikm := make([]byte, 0, len(x3dhPad)+len(pairs)*encryption.KeySize)
	ikm = append(ikm, x3dhPad...)
	defer func() { encryption.Zero(ikm) }()

	for _, p := range pairs {
		dh, err := encryption.DH(p[0], p[1])
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh...)
		encryption.Zero(dh)
	}
	return encryption.HKDF(ikm, nil, []byte(labelX3DH), encryption.KeySize)
}

// associatedData 雙方一致的附加資料：初始者身份公鑰 ‖ 回應者身份公鑰
func associatedData(initiatorIdentity, responderIdentity []byte) []byte {
	ad := make([]byte, 0, len(initiatorIdentity)+len(responderIdentity))
	ad = append(ad, initiatorIdentity...)
	return append(ad, responderIdentity...)
}
