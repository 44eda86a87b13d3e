// Copyright 2024 by the Authors
// This file is part of the contractvm library.
//
// The contractvm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The contractvm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the contractvm library. If not, see <http://www.gnu.org/licenses/>.

package session

// SetMeta records an out-of-band key/value pair against the session. It
// never touches the working set or any commit: per spec §8's round-trip
// law (b), metadata is visible within the session but stripped at Commit.
func (s *Session) SetMeta(key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.metadata[key] = append([]byte(nil), value...)
	return nil
}

// GetMeta reads back a value set with SetMeta.
func (s *Session) GetMeta(key string) ([]byte, bool) {
	v, ok := s.metadata[key]
	return v, ok
}

// RemoveMeta deletes a key, if present.
func (s *Session) RemoveMeta(key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	delete(s.metadata, key)
	return nil
}
