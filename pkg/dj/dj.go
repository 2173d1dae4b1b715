// Package dj provides the DNS JSON presentation format popularized by the
// DoH JSON APIs of Google, Cloudflare, and Quad9.
//
// The proxy speaks [RFC8484] wire format; these types are used to render
// answers in a readable form, for example by the query command.
//
// [RFC8484]: https://tools.ietf.org/html/rfc8484
package dj

import (
	"strings"

	"github.com/miekg/dns"
)

// Request is a DNS query expressed as a name and a record type.
type Request struct {
	Name string // domain name (e.g. google.com)
	Type string // record type (e.g. A, AAAA, MX, ANY)
}

// Response is a DNS response in the DoH JSON API shape.
type Response struct {
	Status   int        `json:"Status"` // DNS response code
	TC       bool       `json:"TC"`     // Truncated
	RD       bool       `json:"RD"`     // Recursion Desired
	RA       bool       `json:"RA"`     // Recursion Available
	AD       bool       `json:"AD"`     // Authenticated Data
	CD       bool       `json:"CD"`     // Checking Disabled
	Question []Question `json:"Question"`
	Answer   []Answer   `json:"Answer"`
}

// Question is a question section entry.
type Question struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

// Answer is an answer section entry.
type Answer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  int    `json:"TTL"`
	Data string `json:"data"`
}

// NewMsg builds a recursive DNS query message for req.
func NewMsg(req *Request) *dns.Msg {
	var qClass uint16
	switch strings.ToUpper(req.Type) {
	case "ANY":
		qClass = dns.ClassANY
	default:
		qClass = dns.ClassINET
	}

	return &dns.Msg{
		MsgHdr: dns.MsgHdr{
			Id:               dns.Id(),
			RecursionDesired: true,
		},
		Question: []dns.Question{
			{
				Name:   dns.Fqdn(req.Name),
				Qtype:  dns.StringToType[strings.ToUpper(req.Type)],
				Qclass: qClass,
			},
		},
	}
}

// FromMsg converts a DNS message into its JSON presentation.
func FromMsg(msg *dns.Msg) *Response {
	resp := &Response{
		Status: msg.Rcode,
		TC:     msg.Truncated,
		RD:     msg.RecursionDesired,
		RA:     msg.RecursionAvailable,
		AD:     msg.AuthenticatedData,
		CD:     msg.CheckingDisabled,
	}

	for _, question := range msg.Question {
		resp.Question = append(resp.Question, Question{
			Name: question.Name,
			Type: int(question.Qtype),
		})
	}

	for _, answer := range msg.Answer {
		resp.Answer = append(resp.Answer, Answer{
			Name: answer.Header().Name,
			Type: int(answer.Header().Rrtype),
			TTL:  int(answer.Header().Ttl),
			Data: answerData(answer),
		})
	}

	return resp
}

// answerData extracts the main information from an answer (IP address,
// target name, etc.).
func answerData(answer dns.RR) string {
	switch answer := answer.(type) {
	case *dns.A:
		return answer.A.String()
	case *dns.AAAA:
		return answer.AAAA.String()
	case *dns.CNAME:
		return answer.Target
	case *dns.MX:
		return answer.Mx
	case *dns.NS:
		return answer.Ns
	case *dns.PTR:
		return answer.Ptr
	case *dns.SOA:
		return answer.Ns
	case *dns.TXT:
		return strings.Join(answer.Txt, " ")
	default:
		return answer.String()
	}
}
