package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAddress(t *testing.T) {
	t.Run("合法地址通过校验", func(t *testing.T) {
		assert.NoError(t, ValidateAddress("user@example.com"))
		assert.NoError(t, ValidateAddress("user+tag@example.com"))
		assert.NoError(t, ValidateAddress("  user@example.com  "))
	})

	t.Run("缺少@的地址校验失败", func(t *testing.T) {
		assert.ErrorIs(t, ValidateAddress("userexample.com"), ErrInvalidAddress)
	})

	t.Run("多个@的地址校验失败", func(t *testing.T) {
		assert.ErrorIs(t, ValidateAddress("user@foo@example.com"), ErrInvalidAddress)
	})

	t.Run("本地部分为空校验失败", func(t *testing.T) {
		assert.ErrorIs(t, ValidateAddress("@example.com"), ErrInvalidAddress)
	})

	t.Run("域名部分为空校验失败", func(t *testing.T) {
		assert.ErrorIs(t, ValidateAddress("user@"), ErrInvalidAddress)
	})

	t.Run("空字符串校验失败", func(t *testing.T) {
		assert.ErrorIs(t, ValidateAddress(""), ErrInvalidAddress)
	})
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeAddress("  User@Example.COM "))
}

func TestStripSubaddress(t *testing.T) {
	t.Run("去掉子地址标签", func(t *testing.T) {
		assert.Equal(t, "user@example.com", StripSubaddress("user+tag@example.com"))
	})

	t.Run("没有标签时保持不变", func(t *testing.T) {
		assert.Equal(t, "user@example.com", StripSubaddress("user@example.com"))
	})

	t.Run("多个加号只去掉第一个之后的部分", func(t *testing.T) {
		assert.Equal(t, "user@example.com", StripSubaddress("user+a+b@example.com"))
	})

	t.Run("同时规范化大小写", func(t *testing.T) {
		assert.Equal(t, "user@example.com", StripSubaddress("User+Order@Example.com"))
	})
}
