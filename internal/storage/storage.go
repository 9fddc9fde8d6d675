// Package storage persists the small amount of control-plane state worth
// keeping across restarts: per-node resume keys and per-guild last voice
// channels.
package storage

import (
	"context"
	"fmt"

	"github.com/keshon/datastore"
)

const (
	nodesKey  = "nodes"
	guildsKey = "guilds"
)

type Storage struct {
	ds *datastore.DataStore
}

// NodeRecord is the persisted state of one node.
type NodeRecord struct {
	ResumeKey string `json:"resume_key"`
}

// GuildRecord is the persisted state of one guild.
type GuildRecord struct {
	LastChannelID string `json:"last_channel_id"`
}

func New(ctx context.Context, filePath string) (*Storage, error) {
	ds, err := datastore.New(ctx, filePath)
	if err != nil {
		return nil, err
	}
	return &Storage{ds: ds}, nil
}

func (s *Storage) Close() error {
	return s.ds.Close()
}

// getRecords loads a keyed record map, creating it when absent.
func getRecords[T any](s *Storage, key string) (map[string]T, error) {
	var records map[string]T
	exists, err := s.ds.Get(key, &records)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if !exists || records == nil {
		records = make(map[string]T)
	}
	return records, nil
}

// ResumeKey returns the persisted resume key for a node, if any.
func (s *Storage) ResumeKey(nodeID string) (string, bool) {
	records, err := getRecords[NodeRecord](s, nodesKey)
	if err != nil {
		return "", false
	}
	rec, ok := records[nodeID]
	if !ok || rec.ResumeKey == "" {
		return "", false
	}
	return rec.ResumeKey, true
}

// SetResumeKey stores the resume key for a node.
func (s *Storage) SetResumeKey(nodeID, key string) error {
	records, err := getRecords[NodeRecord](s, nodesKey)
	if err != nil {
		return err
	}
	rec := records[nodeID]
	rec.ResumeKey = key
	records[nodeID] = rec
	return s.ds.Set(nodesKey, records)
}

// LastChannel returns the last known voice channel for a guild.
func (s *Storage) LastChannel(guildID string) (string, bool) {
	records, err := getRecords[GuildRecord](s, guildsKey)
	if err != nil {
		return "", false
	}
	rec, ok := records[guildID]
	if !ok || rec.LastChannelID == "" {
		return "", false
	}
	return rec.LastChannelID, true
}

// SetLastChannel stores the guild's current voice channel. An empty channel
// id clears the entry.
func (s *Storage) SetLastChannel(guildID, channelID string) error {
	records, err := getRecords[GuildRecord](s, guildsKey)
	if err != nil {
		return err
	}
	rec := records[guildID]
	rec.LastChannelID = channelID
	records[guildID] = rec
	return s.ds.Set(guildsKey, records)
}
