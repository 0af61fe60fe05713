/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package milter

// Response is the verdict of a stage callback. The zero value continues the
// transaction.
type Response struct {
	code     byte
	data     []byte
	deferred bool
}

// Predefined responses.
var (
	RespAccept   = Response{code: RespCodeAccept}
	RespContinue = Response{code: RespCodeContinue}
	RespReject   = Response{code: RespCodeReject}
	RespTempFail = Response{code: RespCodeTempFail}
	RespDiscard  = Response{code: RespCodeDiscard}
	RespConnFail = Response{code: RespCodeConnFail}
	RespShutdown = Response{code: RespCodeShutdown}
	RespSkip     = Response{code: RespCodeSkip}

	respDeferred = Response{deferred: true}
)

// RawResponse builds a response from an opcode and payload.
func RawResponse(code byte, data []byte) Response {
	return Response{code: code, data: data}
}

// Code returns the response opcode, RespCodeContinue for the zero value.
func (r Response) Code() byte {
	if r.code == 0 {
		return RespCodeContinue
	}
	return r.code
}

// Data returns the response payload.
func (r Response) Data() []byte {
	return r.data
}

// Bytes returns the framed response.
func (r Response) Bytes() []byte {
	return EncodePacket(r.Code(), r.data)
}
