package storage

import "fmt"

// NextKeyIndex reserves and returns the next unused HD address index for a
// coin and branch (0 = receive, 1 = change). Indexes are never handed out twice.
func (s *Storage) NextKeyIndex(coin string, branch uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO key_indexes (coin, branch, next_index) VALUES (?, ?, 1)
		ON CONFLICT(coin, branch) DO UPDATE SET next_index = next_index + 1
		RETURNING next_index - 1
	`

	var index uint32
	if err := s.db.QueryRow(query, coin, branch).Scan(&index); err != nil {
		return 0, fmt.Errorf("failed to reserve key index: %w", err)
	}
	return index, nil
}
