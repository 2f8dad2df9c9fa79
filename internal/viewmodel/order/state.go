package order

// State — состояние модели представления заказа.
//
//	Loading → Ready → Activating → Activated
//	Loading/Ready → Error (ошибка коллаборатора), Error → Loading (Retry)
//	Activating → Ready (ошибка активации)
type State string

const (
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateError      State = "error"
)

// Terminal сообщает, что из состояния нет переходов.
func (s State) Terminal() bool {
	return s == StateActivated
}
