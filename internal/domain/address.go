package domain

import (
	"strings"
)

// NormalizeAddress 规范化邮箱地址：去除首尾空白并转为小写。
// 注册与查找都以规范化后的地址作为比较键。
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ValidateAddress 对地址做基本语法校验：必须恰好包含一个 @，
// 且本地部分与域名部分都非空。
func ValidateAddress(address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return ErrInvalidAddress
	}
	if strings.Count(address, "@") != 1 {
		return ErrInvalidAddress
	}
	local, domainPart, _ := strings.Cut(address, "@")
	if local == "" || domainPart == "" {
		return ErrInvalidAddress
	}
	return nil
}

// SplitAddress 拆分地址为本地部分与域名部分。
// 调用方应先通过 ValidateAddress 校验。
func SplitAddress(address string) (local, domainPart string) {
	local, domainPart, _ = strings.Cut(NormalizeAddress(address), "@")
	return local, domainPart
}

// StripSubaddress 去掉子地址标签：user+tag@domain -> user@domain。
//
// 只用于账号关联的回退查找键；搜索查询本身始终使用原始地址，
// 保证带标签的投递仍然被正确限定范围。
func StripSubaddress(address string) string {
	local, domainPart := SplitAddress(address)
	if idx := strings.Index(local, "+"); idx >= 0 {
		local = local[:idx]
	}
	return local + "@" + domainPart
}
