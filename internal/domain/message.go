package domain

import "time"

// Message 表示搜索服务返回的一封邮件。
//
// 对取件引擎而言邮件是外部实体，只读不改；ID 由上游分配，
// 是去重的唯一依据。
type Message struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Date    time.Time `json:"date"`
}
