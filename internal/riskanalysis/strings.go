package riskanalysis

import (
	"strings"
	"unicode/utf8"
)

// itemResult 单个字符串的解码结果：要么得到文本，要么给出跳过原因
type itemResult struct {
	text string
	skip string
}

// decodeString 将字符串池中的原始字符串转为可匹配文本
// 非法 UTF-8 字节被丢弃；丢弃后为空的字符串跳过
func decodeString(raw string) itemResult {
	if raw == "" {
		return itemResult{skip: "empty"}
	}
	if utf8.ValidString(raw) {
		return itemResult{text: raw}
	}
	text := strings.ToValidUTF8(raw, "")
	if text == "" {
		return itemResult{skip: "undecodable"}
	}
	return itemResult{text: text}
}

// foldStrings 依次解码字符串并交给 visit 处理，返回跳过数量
func foldStrings(pool []string, visit func(text string)) (skipped int) {
	for _, raw := range pool {
		item := decodeString(raw)
		if item.skip != "" {
			skipped++
			continue
		}
		visit(item.text)
	}
	return skipped
}
