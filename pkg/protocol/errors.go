// Copyright 2024 The apexhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import "fmt"

// Error codes carried in ErrorNotice payloads and ProtocolError values.
const (
	CodeParseError  = "parse_error"
	CodeUnsupported = "unsupported_type"
	CodeValidation  = "validation_error"
)

// ProtocolError reports a malformed or unsupported inbound message. The
// offending connection is notified with a structured ErrorNotice and kept
// open, never dropped.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s", e.Code, e.Message)
}

// Notice converts the error into its wire representation.
func (e *ProtocolError) Notice() *ErrorNotice {
	return &ErrorNotice{Code: e.Code, Message: e.Message}
}
