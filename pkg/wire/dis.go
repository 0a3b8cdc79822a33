/*
 Licensed to the Apache Software Foundation (ASF) under one
 or more contributor license agreements.  See the NOTICE file
 distributed with this work for additional information
 regarding copyright ownership.  The ASF licenses this file
 to you under the Apache License, Version 2.0 (the
 "License"); you may not use this file except in compliance
 with the License.  You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

// Package wire implements the batch protocol stream codec.
//
// Numbers are encoded as printable text with a recursive digit-count chain:
// the sign directly precedes the digits, and when there is more than one
// digit the digit count is prepended, itself encoded the same way.
//
//	5          -> "+5"
//	15         -> "2+15"
//	1234567890 -> "210+1234567890"
//
// Strings are length-prefixed by an encoded unsigned count followed by the
// raw bytes. The stream is self-delimiting, no outer framing exists.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Protocol identity of the batch stream, validated before any body decode.
const (
	ProtType uint64 = 2
	ProtVer  uint64 = 2
)

const (
	// maxNumberDigits bounds the digit count of a single encoded number; a
	// count chain asking for more is hostile input, not a big value.
	maxNumberDigits = 20
	// DefaultMaxString bounds counted strings and byte blobs (job scripts
	// are the largest legitimate payload).
	DefaultMaxString = 16 << 20
)

// Reader decodes protocol primitives from a stream.
type Reader struct {
	r         *bufio.Reader
	maxString uint64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxString: DefaultMaxString}
}

// readNumber reads one encoded number expecting the given digit count,
// recursing through the count chain until the sign is found.
func (r *Reader) readNumber(count int) (int64, bool, error) {
	if count > maxNumberDigits {
		return 0, false, fmt.Errorf("number length %d exceeds limit", count)
	}
	c, err := r.r.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch {
	case c == '+' || c == '-':
		negate := c == '-'
		buf := make([]byte, count)
		if _, err = io.ReadFull(r.r, buf); err != nil {
			return 0, false, err
		}
		val, perr := strconv.ParseInt(string(buf), 10, 64)
		if perr != nil {
			return 0, false, fmt.Errorf("bad digits %q: %w", buf, perr)
		}
		return val, negate, nil

	case c >= '1' && c <= '9':
		ndigs := int(c - '0')
		if count > 1 {
			buf := make([]byte, count-1)
			if _, err = io.ReadFull(r.r, buf); err != nil {
				return 0, false, err
			}
			for _, b := range buf {
				if b < '0' || b > '9' {
					return 0, false, fmt.Errorf("non-digit 0x%02x in count", b)
				}
				ndigs = 10*ndigs + int(b-'0')
			}
		}
		return r.readNumber(ndigs)

	case c == '0':
		return 0, false, fmt.Errorf("leading zero in count")

	default:
		return 0, false, fmt.Errorf("unexpected byte 0x%02x", c)
	}
}

func (r *Reader) ReadUint() (uint64, error) {
	val, negate, err := r.readNumber(1)
	if err != nil {
		return 0, fmt.Errorf("read uint: %w", err)
	}
	if negate {
		return 0, fmt.Errorf("read uint: unexpected negative")
	}
	return uint64(val), nil
}

func (r *Reader) ReadInt() (int64, error) {
	val, negate, err := r.readNumber(1)
	if err != nil {
		return 0, fmt.Errorf("read int: %w", err)
	}
	if negate {
		return -val, nil
	}
	return val, nil
}

func (r *Reader) ReadString() (string, error) {
	buf, err := r.ReadBytes()
	return string(buf), err
}

// ReadBytes reads one counted blob. A zero count yields nil.
func (r *Reader) ReadBytes() ([]byte, error) {
	length, err := r.ReadUint()
	if err != nil {
		return nil, fmt.Errorf("read counted length: %w", err)
	}
	if length == 0 {
		return nil, nil
	}
	if length > r.maxString {
		return nil, fmt.Errorf("counted length %d exceeds limit %d", length, r.maxString)
	}
	buf := make([]byte, length)
	if _, err = io.ReadFull(r.r, buf); err != nil {
		return nil, fmt.Errorf("read counted data: %w", err)
	}
	return buf, nil
}

// Buffered returns the byte count already read from the connection but not
// yet consumed by the decoder.
func (r *Reader) Buffered() int {
	return r.r.Buffered()
}

// Writer encodes protocol primitives onto a stream. Writes are buffered, the
// message is on the wire after Flush.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) writeNumber(sign string, digits string) error {
	ndigs := len(digits)
	prefix := sign
	for ndigs > 1 {
		countStr := strconv.Itoa(ndigs)
		prefix = countStr + prefix
		ndigs = len(countStr)
	}
	if _, err := w.w.WriteString(prefix); err != nil {
		return err
	}
	_, err := w.w.WriteString(digits)
	return err
}

func (w *Writer) WriteUint(val uint64) error {
	return w.writeNumber("+", strconv.FormatUint(val, 10))
}

func (w *Writer) WriteInt(val int64) error {
	sign := "+"
	if val < 0 {
		sign = "-"
		val = -val
	}
	return w.writeNumber(sign, strconv.FormatInt(val, 10))
}

func (w *Writer) WriteString(s string) error {
	if err := w.WriteUint(uint64(len(s))); err != nil {
		return err
	}
	if len(s) > 0 {
		_, err := w.w.WriteString(s)
		return err
	}
	return nil
}

func (w *Writer) WriteBytes(data []byte) error {
	if err := w.WriteUint(uint64(len(data))); err != nil {
		return err
	}
	if len(data) > 0 {
		_, err := w.w.Write(data)
		return err
	}
	return nil
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}
