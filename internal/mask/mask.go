// Package mask hides most of a sensitive value before it reaches a log line.
package mask

import "strings"

// Phone keeps the first 2 and last 2 characters (e.g. +5******34).
func Phone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}

// Email keeps the first character of the local part and the domain
// (e.g. p******@example.com).
func Email(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return Phone(email)
	}
	local, domain := email[:at], email[at:]
	return local[:1] + strings.Repeat("*", max(len(local)-1, 1)) + domain
}

// Code keeps only the first 2 characters of a verification code.
func Code(code string) string {
	if len(code) <= 2 {
		return strings.Repeat("*", len(code))
	}
	return code[:2] + strings.Repeat("*", len(code)-2)
}
