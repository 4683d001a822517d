package services

import (
	"sort"
	"sync"
)

// localPresence tracks connection counts per chat and user for single-node mode.
type localPresence struct {
	mu    sync.Mutex
	chats map[string]map[string]int
}

func newLocalPresence() *localPresence {
	return &localPresence{chats: make(map[string]map[string]int)}
}

func (p *localPresence) add(chatID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chats[chatID] == nil {
		p.chats[chatID] = make(map[string]int)
	}
	p.chats[chatID][userID]++
}

func (p *localPresence) remove(chatID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := p.chats[chatID]
	if users == nil {
		return
	}
	if users[userID]--; users[userID] <= 0 {
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(p.chats, chatID)
	}
}

func (p *localPresence) clear(chatID string) {
	p.mu.Lock()
	delete(p.chats, chatID)
	p.mu.Unlock()
}

func (p *localPresence) members(chatID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.chats[chatID]))
	for user := range p.chats[chatID] {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}
