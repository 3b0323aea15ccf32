package gateway

import "github.com/looplab/fsm"

// Состояния сессии контрольного канала.
// idle                 – сессия создана, учетных данных нет;
// awaiting_credentials – есть часть учетных данных, канал не открыт;
// identifying          – канал открыт, отправлен Identify;
// resuming             – канал переоткрыт, отправлен Resume;
// ready                – сервер назначил SSRC и параметры медиа плана;
// closed               – терминальное закрытие, переподключений не будет.
const (
	StateIdle                = "idle"
	StateAwaitingCredentials = "awaiting_credentials"
	StateIdentifying         = "identifying"
	StateResuming            = "resuming"
	StateReady               = "ready"
	StateClosed              = "closed"
)

// События: credentials, open_identify, open_resume, became_ready, close
func newSessionFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "credentials", Src: []string{StateIdle}, Dst: StateAwaitingCredentials},
			{Name: "open_identify", Src: []string{StateAwaitingCredentials}, Dst: StateIdentifying},
			{Name: "open_resume", Src: []string{StateIdentifying, StateResuming, StateReady}, Dst: StateResuming},
			{Name: "became_ready", Src: []string{StateIdentifying, StateResuming}, Dst: StateReady},
			{Name: "close", Src: []string{StateIdle, StateAwaitingCredentials, StateIdentifying, StateResuming, StateReady}, Dst: StateClosed},
		}, nil,
	)
}
