package router

import "github.com/qzbxw/realtimecore/internal/models"

// aggregateStatus computes the conversation-wide status of msg: DELIVERED
// once any non-sender member has acknowledged delivery, READ once every
// non-sender member's lastReadAt has caught up to msg.CreatedAt.
func aggregateStatus(msg *models.Message, members []models.Membership, delivered map[string]bool) models.MessageStatus {
	sawOther := false
	allRead := true
	for _, member := range members {
		if msg.SenderID != nil && member.UserID == *msg.SenderID {
			continue
		}
		sawOther = true
		if member.LastReadAt == nil || member.LastReadAt.Before(msg.CreatedAt) {
			allRead = false
		}
	}
	if !sawOther {
		return models.StatusSent
	}
	if allRead {
		return models.StatusRead
	}
	if len(delivered) > 0 {
		return models.StatusDelivered
	}
	return models.StatusSent
}
