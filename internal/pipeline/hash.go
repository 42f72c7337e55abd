package pipeline

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"estat-pipeline/internal/config"

	"golang.org/x/crypto/hkdf"
)

// VisitorHash
// ------------------------------------------------------------
// 방문자 pseudo-identity.
//
//	base64( sha256( pepper + "ww|wh|tp|ip|ua|domain" ) )
//
// 같은 입력 + 같은 pepper 면 항상 같은 값이 나오며,
// 고유 방문자 집계와 체류시간 backfill 의 상관 키로 함께 쓰인다.
// pepper 없이는 IP/UA 로 역산할 수 없다.
func VisitorHash(pepper string, width, height, touchPoints int, ip, userAgent, domain string) string {
	var b strings.Builder
	b.Grow(len(pepper) + len(ip) + len(userAgent) + len(domain) + 32)

	b.WriteString(pepper)
	b.WriteString(strconv.Itoa(width))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(height))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(touchPoints))
	b.WriteByte('|')
	b.WriteString(ip)
	b.WriteByte('|')
	b.WriteString(userAgent)
	b.WriteByte('|')
	b.WriteString(domain)

	sum := sha256.Sum256([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ------------------------------------------------------------
// Pepper
// ------------------------------------------------------------

// HKDF info. 바꾸면 모든 방문자 hash 가 바뀌므로 고정값이다.
var pepperInfo = []byte("estat visitor hash pepper v1")

var ErrNoPepper = errors.New("no pepper source configured")

// LoadPepper 는 프로세스 시작 시 한 번 호출된다.
//   - hash.pepper 가 있으면 그대로 사용
//   - 없으면 hash.key_file 의 PEM private key 를 읽어 HKDF-SHA256 으로 32바이트 도출
func LoadPepper(cfg config.HashConfig) (string, error) {
	if cfg.Pepper != "" {
		return cfg.Pepper, nil
	}
	if cfg.KeyFile == "" {
		return "", ErrNoPepper
	}

	data, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return "", fmt.Errorf("read pepper key file: %w", err)
	}
	der, err := privateKeyDER(data)
	if err != nil {
		return "", fmt.Errorf("pepper key %s: %w", cfg.KeyFile, err)
	}
	return derivePepper(der)
}

func derivePepper(secret []byte) (string, error) {
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, pepperInfo), out); err != nil {
		return "", fmt.Errorf("derive pepper: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// privateKeyDER 는 PEM 안의 첫 번째 private key 블록을 찾아
// 파싱 가능한지 확인한 뒤 DER 바이트를 돌려준다. (인증서 블록은 건너뛴다)
func privateKeyDER(data []byte) ([]byte, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no private key block found")
		}
		if !strings.HasSuffix(block.Type, "PRIVATE KEY") {
			continue
		}
		if err := checkPrivateKey(block.Bytes); err != nil {
			return nil, err
		}
		return block.Bytes, nil
	}
}

func checkPrivateKey(der []byte) error {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch key.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
			return nil
		default:
			return fmt.Errorf("unsupported private key type %T", key)
		}
	}
	if _, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return nil
	}
	if _, err := x509.ParseECPrivateKey(der); err == nil {
		return nil
	}
	return errors.New("unparsable private key")
}
