package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for campaign event subjects.
const ShardCount = 256

// GetShardID calculates the deterministic shard ID for a campaign ID.
func GetShardID(campaignID string) int {
	checksum := crc32.ChecksumIEEE([]byte(campaignID))
	return int(checksum % ShardCount)
}

// EventSubject returns the JetStream subject for a campaign's journal events.
// Format: app.event.{shard_id}.campaign.{campaign_id}
func EventSubject(campaignID string) string {
	return fmt.Sprintf("app.event.%d.campaign.%s", GetShardID(campaignID), campaignID)
}
