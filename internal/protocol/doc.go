// Package protocol defines the sensor-node message model and the text control grammar.
// Binary messages carry raw PCM-16 audio; text messages are either an identification
// (ID:<identifier>), an end-of-segment marker (END), or ignored.
package protocol
