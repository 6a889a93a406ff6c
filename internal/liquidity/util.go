package liquidity

import "strings"

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// SameToken 判断两个代币标识是否一致（忽略大小写）。
func SameToken(a, b string) bool {
	return equalFold(a, b)
}
