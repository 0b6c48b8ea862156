package promotion

import (
	"math/rand"
)

const (
	// 去掉了难以辨认的 0、1、O、o、l、I
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789"
	codeLength   = 8
)

// CodeGenerator 生成券码
type CodeGenerator func() string

// RandomCode 每次调用独立生成，不共享状态
func RandomCode() string {
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(b)
}
