// SPDX-License-Identifier: MIT

package protocol

import "math"

// Word is a single word-level timestamp entry in a transcription result.
// Field naming follows the realtime-transcription wire convention (start/
// end in milliseconds, confidence as a 0-1 float).
type Word struct {
	Word       string  `json:"word"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Result is the full output of a finalized transcription.
type Result struct {
	Text                string  `json:"text"`
	Words               []Word  `json:"words"`
	DurationSeconds     float64 `json:"duration_seconds"`
	Language            string  `json:"language,omitempty"`
	LanguageProbability float64 `json:"language_probability,omitempty"`
}

// RoundToMillis rounds a fractional-second timestamp to the nearest
// millisecond for word-level timestamps.
func RoundToMillis(seconds float64) int64 {
	return int64(math.Round(seconds * 1000))
}
