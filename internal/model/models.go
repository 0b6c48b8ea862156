package model

import (
	"time"
)

// Promotion 用户在某个活动中的预约/发放记录
type Promotion struct {
	ID           string     `json:"id"`
	User         string     `json:"user"`
	Activity     string     `json:"activity"`
	Code         string     `json:"code,omitempty"`
	ReservedTime time.Time  `json:"reservedTime"`
	IssuedTime   *time.Time `json:"issuedTime,omitempty"`
}

// Issued 是否已发放优惠券
func (p *Promotion) Issued() bool {
	return p.Code != "" || p.IssuedTime != nil
}

// Clone 复制一份，避免交接队列与调用方共享同一指针
func (p *Promotion) Clone() *Promotion {
	if p == nil {
		return nil
	}
	c := *p
	if p.IssuedTime != nil {
		t := *p.IssuedTime
		c.IssuedTime = &t
	}
	return &c
}

// EventType 持久化事件类型
type EventType string

const (
	EventReserved EventType = "reserved"
	EventIssued   EventType = "issued"
)

// PromotionEvent Kafka持久化事件
type PromotionEvent struct {
	Type         EventType  `json:"type"`
	ID           string     `json:"id"`
	Activity     string     `json:"activity"`
	User         string     `json:"user"`
	Code         string     `json:"code,omitempty"`
	ReservedTime time.Time  `json:"reservedTime"`
	IssuedTime   *time.Time `json:"issuedTime,omitempty"`
}

// NewPromotionEvent 由记录构造事件
func NewPromotionEvent(t EventType, p *Promotion) *PromotionEvent {
	return &PromotionEvent{
		Type:         t,
		ID:           p.ID,
		Activity:     p.Activity,
		User:         p.User,
		Code:         p.Code,
		ReservedTime: p.ReservedTime,
		IssuedTime:   p.IssuedTime,
	}
}

// Promotion 事件还原为记录
func (e *PromotionEvent) Promotion() *Promotion {
	return &Promotion{
		ID:           e.ID,
		User:         e.User,
		Activity:     e.Activity,
		Code:         e.Code,
		ReservedTime: e.ReservedTime,
		IssuedTime:   e.IssuedTime,
	}
}

// PromotionRequest 预约/领取请求体
type PromotionRequest struct {
	User string `json:"user"`
}

// ReserveResponse 预约响应
type ReserveResponse struct {
	ID           string `json:"id"`
	ReservedTime string `json:"reservedTime"`
}

// IssueResponse 发放响应
type IssueResponse struct {
	Code       string `json:"code"`
	IssuedTime string `json:"issuedTime"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Message string `json:"message"`
}

// FormatTime 对外输出的时间格式，UTC，RFC3339 带纳秒
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
