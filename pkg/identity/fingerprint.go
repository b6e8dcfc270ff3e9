package identity

import (
	"bytes"
	"encoding/binary"

	"github.com/Mindburn-Labs/forge/pkg/canonicalize"
)

const fingerprintDomain = "forge/agent-fingerprint/v1"

// ComputeFingerprint binds an agent's code, prompt template and tool
// permissions into one digest. It is pure: equal inputs give equal digests
// and changing any argument, including the order of toolPermissions,
// changes the digest.
//
// Every field is length-prefixed, so no two distinct argument tuples share
// an encoding; strings are hashed as raw bytes.
func ComputeFingerprint(code, promptTemplate string, toolPermissions []string) string {
	var buf bytes.Buffer
	writeField(&buf, code)
	writeField(&buf, promptTemplate)
	_ = binary.Write(&buf, binary.BigEndian, uint64(len(toolPermissions)))
	for _, tool := range toolPermissions {
		writeField(&buf, tool)
	}
	return canonicalize.DomainHash(fingerprintDomain, buf.Bytes())
}

func writeField(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.BigEndian, uint64(len(s)))
	buf.WriteString(s)
}
