package credentials

import "github.com/tidwall/gjson"

// Secret holds one decrypted credential document for the duration of a
// single adapter invocation. Callers must Wipe it when the call returns;
// the plaintext never outlives the node execution that needed it.
type Secret struct {
	CredentialID string
	Type         string
	data         []byte
}

// Raw returns the decrypted JSON document. The slice is owned by the Secret
// and is zeroed by Wipe.
func (s *Secret) Raw() []byte {
	return s.data
}

// Field reads a single path out of the document. Returns false when the
// path does not exist. The result aliases the document; copy anything that
// must survive Wipe.
func (s *Secret) Field(path string) (gjson.Result, bool) {
	res := gjson.GetBytes(s.data, path)
	return res, res.Exists()
}

// Wipe zeroes the plaintext. Safe to call more than once.
func (s *Secret) Wipe() {
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}
