// Copyright 2025 Google LLC
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

// Helpers for test packages only; nothing here ships in production
// paths.

package util

import "math/rand"

// GenerateRandomBytes returns length bytes of printable ASCII noise, for
// tests that want file bodies large or distinctive enough that a
// truncation or offset bug cannot round-trip by accident.
func GenerateRandomBytes(length int) []byte {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, length)
	for i := range out {
		out[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return out
}
