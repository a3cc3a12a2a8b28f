package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mailpickup/backend/internal/domain"
)

func orderRule() domain.ExtractionRule {
	return domain.ExtractionRule{
		Field:       domain.RuleFieldSubject,
		Type:        domain.RuleTypeRegex,
		Pattern:     `ORDER-(\d+)`,
		CaptureName: "orderId",
	}
}

func TestEngine_Apply(t *testing.T) {
	engine := NewEngine(nil)

	t.Run("捕获组命中取第一个捕获组", func(t *testing.T) {
		msg := domain.Message{Subject: "ORDER-42 shipped"}

		got := engine.Apply([]domain.ExtractionRule{orderRule()}, msg)

		assert.Equal(t, domain.Extraction{"orderId": "42"}, got)
	})

	t.Run("没有捕获组取整个匹配", func(t *testing.T) {
		rule := domain.ExtractionRule{
			Field:       domain.RuleFieldBody,
			Type:        domain.RuleTypeRegex,
			Pattern:     `\d{6}`,
			CaptureName: "otp",
		}
		msg := domain.Message{Body: "your verification code is 493021, valid for 5 minutes"}

		got := engine.Apply([]domain.ExtractionRule{rule}, msg)

		assert.Equal(t, domain.Extraction{"otp": "493021"}, got)
	})

	t.Run("未命中时返回空映射而非nil", func(t *testing.T) {
		msg := domain.Message{Subject: "no order here"}

		got := engine.Apply([]domain.ExtractionRule{orderRule()}, msg)

		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("非法正则只跳过该条规则", func(t *testing.T) {
		rules := []domain.ExtractionRule{
			{Field: domain.RuleFieldSubject, Type: domain.RuleTypeRegex, Pattern: `([`, CaptureName: "broken"},
			orderRule(),
		}
		msg := domain.Message{Subject: "ORDER-7 confirmed"}

		got := engine.Apply(rules, msg)

		assert.Equal(t, domain.Extraction{"orderId": "7"}, got)
	})

	t.Run("未知字段只跳过该条规则", func(t *testing.T) {
		rules := []domain.ExtractionRule{
			{Field: domain.RuleField("attachment"), Type: domain.RuleTypeRegex, Pattern: `.`, CaptureName: "x"},
			orderRule(),
		}
		msg := domain.Message{Subject: "ORDER-9"}

		got := engine.Apply(rules, msg)

		assert.Equal(t, domain.Extraction{"orderId": "9"}, got)
	})

	t.Run("发件人字段规则命中", func(t *testing.T) {
		rule := domain.ExtractionRule{
			Field:       domain.RuleFieldFrom,
			Type:        domain.RuleTypeRegex,
			Pattern:     `@([\w.-]+)`,
			CaptureName: "senderDomain",
		}
		msg := domain.Message{From: "noreply@shop.example.com"}

		got := engine.Apply([]domain.ExtractionRule{rule}, msg)

		assert.Equal(t, domain.Extraction{"senderDomain": "shop.example.com"}, got)
	})

	t.Run("多条规则分别写入各自的捕获名", func(t *testing.T) {
		rules := []domain.ExtractionRule{
			orderRule(),
			{Field: domain.RuleFieldBody, Type: domain.RuleTypeRegex, Pattern: `code (\w+)`, CaptureName: "code"},
		}
		msg := domain.Message{Subject: "ORDER-11", Body: "use code ABC123"}

		got := engine.Apply(rules, msg)

		assert.Equal(t, domain.Extraction{"orderId": "11", "code": "ABC123"}, got)
	})
}
