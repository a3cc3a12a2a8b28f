package extract

import (
	"regexp"
	"sync"

	"go.uber.org/zap"

	"mailpickup/backend/internal/domain"
)

// Engine 提取引擎：对新到达的邮件逐条应用用户定义的提取规则。
//
// 规则级错误（非法正则、未知字段）只记录日志并跳过该条规则，
// 绝不中断其他规则或其他邮件的处理。编译结果按 pattern 缓存，
// 同一个非法 pattern 只告警一次。
type Engine struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
	invalid  map[string]struct{}
	log      *zap.Logger
}

// NewEngine 创建提取引擎。
func NewEngine(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		compiled: make(map[string]*regexp.Regexp),
		invalid:  make(map[string]struct{}),
		log:      log,
	}
}

// Apply 对单封邮件应用全部规则，返回捕获名到捕获值的映射。
//
// 没有任何规则命中时返回空映射（非 nil），调用方据此保持
// 提取结果与邮件列表的下标对齐。
func (e *Engine) Apply(rules []domain.ExtractionRule, msg domain.Message) domain.Extraction {
	result := make(domain.Extraction)

	for _, rule := range rules {
		if rule.CaptureName == "" {
			e.log.Warn("extraction rule without capture name skipped",
				zap.String("pattern", rule.Pattern))
			continue
		}
		if rule.Type != domain.RuleTypeRegex {
			e.log.Warn("unsupported extraction rule type skipped",
				zap.String("type", string(rule.Type)),
				zap.String("capture", rule.CaptureName))
			continue
		}

		content, ok := fieldContent(rule.Field, msg)
		if !ok {
			e.log.Warn("extraction rule references unknown field, skipped",
				zap.String("field", string(rule.Field)),
				zap.String("capture", rule.CaptureName))
			continue
		}

		re := e.compile(rule.Pattern)
		if re == nil {
			continue
		}

		m := re.FindStringSubmatch(content)
		if m == nil {
			continue
		}

		// 有捕获组取第一个捕获组，否则取整个匹配
		value := m[0]
		if len(m) > 1 {
			value = m[1]
		}
		result[rule.CaptureName] = value
	}

	return result
}

// compile 编译正则并缓存；非法 pattern 记录一次告警后返回 nil。
func (e *Engine) compile(pattern string) *regexp.Regexp {
	e.mu.RLock()
	re, ok := e.compiled[pattern]
	if ok {
		e.mu.RUnlock()
		return re
	}
	_, bad := e.invalid[pattern]
	e.mu.RUnlock()
	if bad {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if re, ok := e.compiled[pattern]; ok {
		return re
	}
	if _, bad := e.invalid[pattern]; bad {
		return nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		e.invalid[pattern] = struct{}{}
		e.log.Warn("invalid extraction pattern skipped",
			zap.String("pattern", pattern),
			zap.Error(err))
		return nil
	}
	e.compiled[pattern] = re
	return re
}

// fieldContent 根据规则字段取出邮件内容。
func fieldContent(field domain.RuleField, msg domain.Message) (string, bool) {
	switch field {
	case domain.RuleFieldSubject:
		return msg.Subject, true
	case domain.RuleFieldBody:
		return msg.Body, true
	case domain.RuleFieldFrom:
		return msg.From, true
	default:
		return "", false
	}
}
