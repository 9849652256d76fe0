package chatsync

// applyMessagesRead records that reader has read conversationID up to now.
// Messages not present locally are simply not touched.
func (s *State) applyMessagesRead(e MessagesRead) []Effect {
	if !s.dir.Has(e.ConversationID) {
		return s.resnapshot()
	}
	if e.ReaderID == s.self {
		// Read on another device.
		s.dir.MarkRead(e.ConversationID)
	}
	if e.ConversationID == s.activeID {
		s.timeline.MarkReadBy(e.ReaderID, e.ReaderID != s.self)
	}
	s.dir.MirrorRead(e.ConversationID, e.ReaderID, s.self)
	return nil
}

// applyStatusUpdate advances a message status in the timeline and on the
// directory's last message. Regressions and unknown ids are ignored.
func (s *State) applyStatusUpdate(e MessageStatusUpdated) {
	if e.ConversationID == "" || e.ConversationID == s.activeID {
		s.timeline.MutateStatus(e.MessageID, e.Status)
	}
	s.dir.MirrorStatus(e.MessageID, e.Status)
}
