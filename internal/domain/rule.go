package domain

// RuleField 提取规则作用的邮件字段。
type RuleField string

const (
	RuleFieldSubject RuleField = "subject"
	RuleFieldBody    RuleField = "body"
	RuleFieldFrom    RuleField = "from"
)

// RuleType 提取规则类型，目前只支持正则。
type RuleType string

const (
	RuleTypeRegex RuleType = "regex"
)

// ExtractionRule 用户定义的取值规则：对指定字段应用正则，
// 把第一个捕获组（没有捕获组时取整个匹配）存入 CaptureName。
type ExtractionRule struct {
	Field       RuleField `json:"field"`
	Type        RuleType  `json:"type"`
	Pattern     string    `json:"pattern"`
	CaptureName string    `json:"captureName"`
}

// Extraction 一封邮件的提取结果：捕获名 -> 捕获值。
// 没有任何规则命中时为空映射，但条目本身必须存在以保持
// 与 Messages 的下标对齐。
type Extraction map[string]string
