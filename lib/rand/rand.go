// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package rand implements functions similar to math/rand in the standard
// library, but on top of a secure random number generator.
package rand

import (
	cryptoRand "crypto/rand"
	mathRand "math/rand"
)

// Reader is the standard crypto/rand.Reader, re-exported for convenience.
var Reader = cryptoRand.Reader

// CodeAlphabet contains the characters that can make up a connect code.
// Visually ambiguous characters (I, L, O, 0, 1) are excluded so codes can be
// read over the phone.
const CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

var (
	// defaultSecureSource is a concurrency safe math/rand.Source64 with a
	// cryptographically sound base.
	defaultSecureSource = newSecureSource()

	// defaultSecureRand is a math/rand.Rand based on the secure source.
	defaultSecureRand = mathRand.New(defaultSecureSource)
)

// Code returns a strongly random connect code of the specified length,
// drawn from CodeAlphabet. The returned string contains ~4.95 bits of
// entropy per character.
func Code(l int) string {
	return StringFrom(l, CodeAlphabet)
}

// StringFrom returns a strongly random string of the specified length with
// characters taken from the given alphabet.
func StringFrom(l int, alphabet string) string {
	bs := make([]byte, l)
	for i := range bs {
		bs[i] = alphabet[defaultSecureRand.Intn(len(alphabet))]
	}
	return string(bs)
}

// Intn returns, as an int, a non-negative strongly random number in [0,n).
// It panics if n <= 0.
func Intn(n int) int {
	return defaultSecureRand.Intn(n)
}

// Int63 returns a strongly random int63.
func Int63() int64 {
	return defaultSecureSource.Int63()
}
