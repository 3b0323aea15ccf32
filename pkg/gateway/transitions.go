package gateway

import (
	"encoding/binary"
	"fmt"

	"github.com/arzzra/voice_gateway/pkg/dave"
)

// initDave синхронизирует внешний MLS-движок с активной эпохой.
// Эпоха > 0: переинициализация и отправка key package серверу.
// Эпоха 0 при живой сессии: сброс в passthrough окно на 10 кадров.
func (s *Session) initDave(ch Channel) {
	secure := s.config.Secure
	if secure == nil {
		return
	}
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	s.daveMu.Lock()
	defer s.daveMu.Unlock()

	if epoch > 0 {
		if err := secure.Reinit(epoch, s.config.UserID, s.config.ChannelID); err != nil {
			s.log.Error("переинициализация защищенной сессии не удалась",
				"epoch", epoch, "error", err)
			return
		}
		keyPackage, err := secure.SerializedKeyPackage()
		if err != nil {
			s.log.Error("сериализация key package не удалась", "error", err)
			return
		}
		if err := ch.SendBinary(&BinaryMessage{
			Seq:     uint16(s.lastSeq.Load()),
			Op:      BinaryOpKeyPackage,
			Payload: keyPackage,
		}); err != nil {
			s.log.Warn("отправка key package не удалась", "error", err)
		}
		s.metrics.recordEpochEvent("reinit")
	} else {
		secure.Reset()
		secure.SetPassthroughMode(true, dave.PassthroughGraceInit)
		s.metrics.recordEpochEvent("reset")
	}
}

// prepareTransition обрабатывает анонс подготовки перехода эпохи.
// Переход с id 0 применяется немедленно без round-trip; остальные
// записываются в ожидающие. Понижение до эпохи 0 подтверждается
// transition-ready сразу: commit для него не придет. Повышение
// подтверждается после обработки commit/welcome в
// finishAnnouncedTransition.
func (s *Session) prepareTransition(ch Channel, p prepareTransitionPayload) {
	s.mu.Lock()
	// Ожидающий переход должен быть разрешен до принятия более
	// позднего анонса с меньшим id
	for id := range s.pendingTransitions {
		if id >= p.TransitionID {
			s.mu.Unlock()
			s.log.Warn("анонс перехода нарушает порядок, отброшен",
				"transition_id", p.TransitionID, "pending_id", id)
			s.metrics.recordEpochEvent("out_of_order")
			return
		}
	}
	if p.TransitionID == 0 {
		s.mu.Unlock()
		s.applyTransition(0, p.ProtocolVersion)
		return
	}
	s.pendingTransitions[p.TransitionID] = p.ProtocolVersion
	s.mu.Unlock()

	if p.ProtocolVersion == 0 {
		// Понижение до эпохи 0: passthrough включается сразу, пока
		// остальные участники переходят на открытый текст
		if secure := s.config.Secure; secure != nil {
			s.daveMu.Lock()
			secure.SetPassthroughMode(true, dave.PassthroughGraceDowngrade)
			s.daveMu.Unlock()
		}
		s.sendTransitionReady(ch, p.TransitionID)
	}
	s.metrics.recordEpochEvent("prepared")
}

// executeTransition применяет ожидающий переход. Неизвестный id -
// сообщаемая, но не фатальная ошибка: состояние эпохи не меняется.
func (s *Session) executeTransition(id uint16) {
	s.mu.Lock()
	target, ok := s.pendingTransitions[id]
	if ok {
		delete(s.pendingTransitions, id)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Error("execute для неизвестного перехода отброшен",
			"transition_id", id)
		s.metrics.recordEpochEvent("unknown_execute")
		return
	}
	s.applyTransition(id, target)
}

// applyTransition заменяет активную эпоху целевой. Понижение до 0
// поднимает флаг downgraded; обратное повышение снимает его и заново
// открывает короткое passthrough окно.
func (s *Session) applyTransition(id uint16, target uint16) {
	s.mu.Lock()
	previous := s.epoch
	s.epoch = target
	wasDowngraded := s.downgraded
	if target == 0 {
		s.downgraded = true
	} else if wasDowngraded {
		s.downgraded = false
	}
	s.mu.Unlock()

	if target != 0 && wasDowngraded {
		if secure := s.config.Secure; secure != nil {
			s.daveMu.Lock()
			secure.SetPassthroughMode(true, dave.PassthroughGraceInit)
			s.daveMu.Unlock()
		}
	}

	s.log.Info("эпоха шифрования переключена",
		"transition_id", id, "from", previous, "to", target)
	s.metrics.recordEpochEvent("executed")
}

// sendTransitionReady подтверждает серверу готовность к переходу
func (s *Session) sendTransitionReady(ch Channel, id uint16) {
	if err := s.sendJSON(ch, OpDaveTransitionReady, transitionReadyPayload{
		TransitionID: id,
	}); err != nil {
		s.log.Warn("отправка transition ready не удалась",
			"transition_id", id, "error", err)
	}
}

// handleBinary обрабатывает бинарное MLS сообщение. Ошибки обработки
// ведут к ресинхронизации через initDave, но не к падению сессии.
func (s *Session) handleBinary(ch Channel, msg *BinaryMessage) {
	s.lastSeq.Store(int64(msg.Seq))
	s.metrics.recordBinary(fmt.Sprintf("%d", msg.Op))

	secure := s.config.Secure
	if secure == nil {
		s.log.Debug("бинарное сообщение без защищенной сессии отброшено",
			"op", msg.Op)
		return
	}

	switch msg.Op {
	case BinaryOpExternalSender:
		s.daveMu.Lock()
		err := secure.SetExternalSender(msg.Payload)
		s.daveMu.Unlock()
		if err != nil {
			s.log.Error("установка external sender не удалась", "error", err)
		}

	case BinaryOpProposals:
		s.mu.Lock()
		known := s.peerListLocked()
		s.mu.Unlock()
		s.daveMu.Lock()
		commitWelcome, err := secure.ProcessProposals(msg.Payload, known)
		s.daveMu.Unlock()
		if err != nil {
			s.log.Error("обработка proposals не удалась", "error", err)
			return
		}
		if commitWelcome == nil {
			return
		}
		// Commit+welcome ретранслируется серверу как есть
		if err := ch.SendBinary(&BinaryMessage{
			Seq:     uint16(s.lastSeq.Load()),
			Op:      BinaryOpCommitWelcome,
			Payload: commitWelcome,
		}); err != nil {
			s.log.Warn("отправка commit+welcome не удалась", "error", err)
		}

	case BinaryOpAnnounceCommitTransition:
		id, payload, err := splitTransitionPayload(msg.Payload)
		if err != nil {
			s.log.Warn("неразборчивый анонс commit", "error", err)
			return
		}
		s.daveMu.Lock()
		err = secure.ProcessCommit(payload)
		s.daveMu.Unlock()
		s.finishAnnouncedTransition(ch, id, err)

	case BinaryOpWelcome:
		id, payload, err := splitTransitionPayload(msg.Payload)
		if err != nil {
			s.log.Warn("неразборчивый welcome", "error", err)
			return
		}
		s.daveMu.Lock()
		err = secure.ProcessWelcome(payload)
		s.daveMu.Unlock()
		s.finishAnnouncedTransition(ch, id, err)

	default:
		s.log.Debug("необработанный бинарный опкод", "op", msg.Op)
	}
}

// finishAnnouncedTransition завершает обработку commit/welcome анонса:
// успех записывает переход в ожидающие и подтверждает готовность,
// неудача сигнализирует invalid commit и ресинхронизирует сессию
func (s *Session) finishAnnouncedTransition(ch Channel, id uint16, processErr error) {
	if processErr != nil {
		s.log.Error("обработка анонса перехода не удалась",
			"transition_id", id, "error", processErr)
		s.metrics.recordEpochEvent("invalid_commit")
		if err := s.sendJSON(ch, OpDaveInvalidCommitWelcome, invalidCommitPayload{
			TransitionID: id,
		}); err != nil {
			s.log.Warn("отправка invalid commit не удалась", "error", err)
		}
		s.initDave(ch)
		return
	}

	s.mu.Lock()
	// Целевая эпоха из анонса подготовки имеет приоритет над текущей
	if _, prepared := s.pendingTransitions[id]; !prepared {
		s.pendingTransitions[id] = s.epoch
	}
	s.mu.Unlock()
	s.metrics.recordEpochEvent("commit_processed")
	s.sendTransitionReady(ch, id)
}

// splitTransitionPayload отделяет 16-битный transition id от тела
// commit/welcome сообщения
func splitTransitionPayload(data []byte) (uint16, []byte, error) {
	if len(data) < 2 {
		return 0, nil, fmt.Errorf("gateway: payload перехода короче 2 байт")
	}
	return binary.BigEndian.Uint16(data), data[2:], nil
}
