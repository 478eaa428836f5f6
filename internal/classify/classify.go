// Package classify turns inbound frames into notification candidates using a
// fixed template per kind. It has no side effects.
package classify

import (
	"strings"

	"proposald/internal/notification"
	"proposald/internal/protocol"
)

const unknownReason = "未知原因"

type template struct {
	title   string
	message func(p notification.Payload) string
}

var templates = map[notification.Kind]template{
	notification.KindNewProposalCreated: {
		title:   "新提案待签名",
		message: func(p notification.Payload) string { return `提案"` + proposalTitle(p) + `"需要您的签名` },
	},
	notification.KindProposalSigned: {
		title:   "提案已签名",
		message: func(p notification.Payload) string { return `提案"` + proposalTitle(p) + `"已获得新的签名` },
	},
	notification.KindProposalExecuted: {
		title:   "提案已执行",
		message: func(p notification.Payload) string { return `提案"` + proposalTitle(p) + `"已执行` },
	},
	notification.KindProposalExecutionSuccess: {
		title:   "提案执行成功",
		message: func(p notification.Payload) string { return `提案"` + proposalTitle(p) + `"执行成功` },
	},
	notification.KindProposalExecutionFailed: {
		title: "提案执行失败",
		message: func(p notification.Payload) string {
			reason, ok := p.String("failure_reason")
			if !ok {
				reason = unknownReason
			}
			return `提案"` + proposalTitle(p) + `"执行失败：` + reason
		},
	},
	notification.KindSafeCreated: {
		title: "Safe 已创建",
		message: func(p notification.Payload) string {
			name, _ := p.First("safe_name", "safe_address", "safe_id")
			return `Safe "` + name + `"创建成功`
		},
	},
}

// generic kinds carry their own title/message in the payload.
var genericTitles = map[notification.Kind]string{
	notification.KindInfo:    "通知",
	notification.KindWarning: "警告",
	notification.KindError:   "错误",
}

func proposalTitle(p notification.Payload) string {
	s, _ := p.First("proposal_title", "proposal_id")
	return s
}

// Classify maps f to a candidate. ok is false for unrecognized types.
func Classify(f protocol.Frame) (c notification.Candidate, ok bool) {
	kind := notification.Kind(strings.TrimSpace(f.Type))
	payload := notification.Payload(f.Data)
	if payload == nil {
		payload = notification.Payload{}
	}

	if t, found := templates[kind]; found {
		return notification.Candidate{
			Kind:    kind,
			Title:   t.title,
			Message: t.message(payload),
			Payload: payload,
		}, true
	}
	if def, found := genericTitles[kind]; found {
		title, has := payload.String("title")
		if !has {
			title = def
		}
		msg, _ := payload.String("message")
		return notification.Candidate{Kind: kind, Title: title, Message: msg, Payload: payload}, true
	}
	return notification.Candidate{}, false
}

// Known reports whether Classify would accept a frame of the given type.
func Known(frameType string) bool {
	k := notification.Kind(frameType)
	_, a := templates[k]
	_, b := genericTitles[k]
	return a || b
}
