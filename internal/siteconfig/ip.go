package siteconfig

import (
	"net"
	"strings"
)

// ------------------------------------------------------------
// IP 정규화
//
// ignore 목록은 사이트 관리자가 직접 입력한 값이고,
// 이벤트의 IP 는 수집 서버가 X-Forwarded-For 등에서 뽑아낸 값이다.
// 같은 주소라도 표기가 다를 수 있으므로 (IPv6 축약, IPv4-mapped 등)
// 양쪽 모두 net.IP 의 canonical 문자열로 맞춘 뒤 비교한다.
// ------------------------------------------------------------

// safeParseIP:
//   - 공백/빈 값 대응
//   - 잘못된 값이 들어오면 nil 반환
func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// canonicalIP 는 파싱 가능한 IP 는 canonical 표기로,
// 파싱이 안 되는 값은 공백만 제거해서 그대로 돌려준다.
// (잘못 입력된 ignore 항목도 문자열 그대로는 매칭되도록)
func canonicalIP(s string) string {
	if ip := safeParseIP(s); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return strings.TrimSpace(s)
}
