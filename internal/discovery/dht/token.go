package dht

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/zorun/opendht/pkg/types"
)

// tokenSalt HKDF 派生写令牌子密钥用的盐值
const tokenSalt = "opendht-write-token-v1"

// TokenMinter 铸造与校验写令牌
//
// 证明公式：token = HMAC-SHA512(HKDF(secret, salt), remote_ip || port)。
// 保留当前与上一个根密钥各自派生的子密钥，于是在一次轮转的宽限期内
// 旧令牌仍然有效（参考实现的 secret/oldsecret 对，这里用 HKDF 代替
// 直接截断，派生出固定 64 字节的子密钥）。
type TokenMinter struct {
	clock    Clock
	interval time.Duration

	secret       []byte
	prevSecret   []byte
	derivedCur   []byte
	derivedPrev  []byte
	lastRotation time.Time
}

// NewTokenMinter 创建令牌铸造器，立即生成初始密钥
func NewTokenMinter(clock Clock, interval time.Duration) *TokenMinter {
	m := &TokenMinter{clock: clock, interval: interval}
	m.secret = randomSecret()
	m.prevSecret = randomSecret()
	m.lastRotation = clock.Now()
	m.derivedCur = deriveTokenKey(m.secret)
	m.derivedPrev = deriveTokenKey(m.prevSecret)
	return m
}

func randomSecret() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}

func deriveTokenKey(secret []byte) []byte {
	reader := hkdf.New(sha512.New, secret, []byte(tokenSalt), nil)
	key := make([]byte, 64)
	if _, err := io.ReadFull(reader, key); err != nil {
		panic("opendht: hkdf read failed: " + err.Error())
	}
	return key
}

// MaybeRotate 在距上次轮转超过 interval 时轮转密钥；应在每次 periodic 调用
func (m *TokenMinter) MaybeRotate() {
	now := m.clock.Now()
	if now.Sub(m.lastRotation) < m.interval {
		return
	}
	m.prevSecret = m.secret
	m.derivedPrev = m.derivedCur
	m.secret = randomSecret()
	m.derivedCur = deriveTokenKey(m.secret)
	m.lastRotation = now
}

// Mint 为给定远端地址铸造当前令牌
func (m *TokenMinter) Mint(addr types.Addr) types.Token {
	return m.mintWith(m.derivedCur, addr)
}

func (m *TokenMinter) mintWith(key []byte, addr types.Addr) types.Token {
	h := hmac.New(sha512.New, key)
	h.Write(addr.IP)
	var portBuf [2]byte
	portBuf[0] = byte(addr.Port >> 8)
	portBuf[1] = byte(addr.Port)
	h.Write(portBuf[:])
	var tok types.Token
	copy(tok[:], h.Sum(nil))
	return tok
}

// Verify 校验令牌是否匹配当前或上一个密钥铸造出的值
func (m *TokenMinter) Verify(tok types.Token, addr types.Addr) bool {
	cur := m.mintWith(m.derivedCur, addr)
	if hmac.Equal(cur[:], tok[:]) {
		return true
	}
	prev := m.mintWith(m.derivedPrev, addr)
	return hmac.Equal(prev[:], tok[:])
}
