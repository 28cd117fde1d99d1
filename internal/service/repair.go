package service

import (
	"github.com/google/uuid"
	"github.com/nexachat/delivery-service/internal/domain/model"
	"github.com/samber/lo"
)

// RepairLevel orders repair fallbacks from most to least trustworthy.
type RepairLevel int

const (
	// RepairFromHistory infers the missing participant from prior message
	// senders in the same conversation.
	RepairFromHistory RepairLevel = iota + 1
	// RepairFromPeers infers it from the sender's other private
	// conversations.
	RepairFromPeers
	// RepairArbitrary picks any other known user. It keeps the thread
	// usable but the choice is not grounded in this conversation; callers
	// must flag it as a consistency warning.
	RepairArbitrary
)

func (l RepairLevel) String() string {
	switch l {
	case RepairFromHistory:
		return "history"
	case RepairFromPeers:
		return "peers"
	case RepairArbitrary:
		return "arbitrary"
	default:
		return "none"
	}
}

// RepairResult is the outcome of a successful conversation repair.
type RepairResult struct {
	Participants []uuid.UUID
	Added        uuid.UUID
	Level        RepairLevel
}

// RepairConversation computes the corrected participant list for a private
// conversation that has fewer than two distinct participants. It is a pure
// function: the caller persists the result and decides how loudly to log
// each fallback level. Returns false when no candidate exists at any level.
//
// history is the conversation's prior messages; peers the sender's other
// conversations; known the full set of known user IDs.
func RepairConversation(
	conv *model.Conversation,
	sender uuid.UUID,
	history []model.Message,
	peers []model.Conversation,
	known []uuid.UUID,
) (RepairResult, bool) {
	if !conv.Degraded() {
		return RepairResult{Participants: conv.DistinctParticipants()}, true
	}

	present := conv.DistinctParticipants()
	isCandidate := func(id uuid.UUID) bool {
		return id != uuid.Nil && id != sender && !lo.Contains(present, id)
	}

	// (a) Someone who wrote into this conversation before belongs in it.
	for i := len(history) - 1; i >= 0; i-- {
		if isCandidate(history[i].SenderID) {
			return result(present, history[i].SenderID, RepairFromHistory), true
		}
	}

	// (b) A counterpart from the sender's other private conversations.
	for _, peer := range peers {
		if peer.ID == conv.ID || peer.Type != model.ConversationPrivate {
			continue
		}
		for _, id := range peer.DistinctParticipants() {
			if isCandidate(id) {
				return result(present, id, RepairFromPeers), true
			}
		}
	}

	// (c) Last resort: any other known user.
	for _, id := range known {
		if isCandidate(id) {
			return result(present, id, RepairArbitrary), true
		}
	}

	return RepairResult{}, false
}

func result(present []uuid.UUID, added uuid.UUID, level RepairLevel) RepairResult {
	return RepairResult{
		Participants: append(append([]uuid.UUID(nil), present...), added),
		Added:        added,
		Level:        level,
	}
}
