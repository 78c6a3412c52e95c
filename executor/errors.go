package executor

import (
	"fmt"
	"regexp"
)

// maximum SQL text carried inside an error, for diagnostics
const errSQLLimit = 500

// Error is the single typed failure surfaced for any driver-level
// problem: native code, mapped human-readable message, original error
// text, and a truncated copy of the offending SQL.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Details string `json:"details,omitempty"`
	SQL     string `json:"sql,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "UNKNOWN" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

var oraCodeRe = regexp.MustCompile(`ORA-\d{5}`)

// Remediation messages for the dialect error codes that dominate
// support traffic from LLM-generated SQL.
var oraMessages = map[string]string{
	"ORA-00001": "unique constraint violated: the statement would insert a duplicate key",
	"ORA-00904": "invalid identifier: a referenced column does not exist or is misspelled",
	"ORA-00933": "SQL command not properly ended: usually a stray clause the engine does not support (LIMIT, FETCH FIRST)",
	"ORA-00942": "table or view does not exist, or you lack privileges on it",
	"ORA-01013": "operation cancelled: the statement exceeded its timeout",
	"ORA-01017": "invalid username/password: check the configured credentials",
	"ORA-01400": "cannot insert NULL into a mandatory column",
	"ORA-01722": "invalid number: a text value was used where a number is required",
	"ORA-01747": "invalid column specification: check for reserved words used as column names",
	"ORA-12154": "could not resolve the connect identifier: check the service name / DSN",
}

// wrapError converts a driver failure into *Error. Already-typed errors
// pass through unchanged.
func wrapError(err error, sql string) *Error {
	if err == nil {
		return nil
	}
	if typed, ok := err.(*Error); ok {
		return typed
	}

	code := "UNKNOWN"
	msg := err.Error()
	if m := oraCodeRe.FindString(msg); m != "" {
		code = m
		if mapped, ok := oraMessages[m]; ok {
			msg = mapped
		}
	}

	if len(sql) > errSQLLimit {
		sql = sql[:errSQLLimit] + "..."
	}
	return &Error{
		Code:    code,
		Message: msg,
		Details: err.Error(),
		SQL:     sql,
	}
}
