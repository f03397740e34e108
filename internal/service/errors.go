// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — элемент очереди не найден или принадлежит другому пользователю.
	ErrNotFound = errors.New("элемент очереди не найден")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrInvalidState — операция недопустима в текущем статусе элемента.
	ErrInvalidState = errors.New("операция недопустима в текущем статусе")
	// ErrRateLimited — бюджет запросов к R2R исчерпан, операцию нужно повторить позже.
	ErrRateLimited = errors.New("превышен лимит запросов к R2R")
	// ErrUpstream — R2R отклонил запрос или недоступен.
	ErrUpstream = errors.New("ошибка R2R")
)

// Внутренние причины сбоя обработки, классифицируемые как transient.
var (
	// errSource — ошибка чтения исходного файла из хранилища.
	errSource = errors.New("ошибка хранилища файлов")
	// errProgress — не удалось сохранить прогресс chunked-загрузки.
	errProgress = errors.New("ошибка сохранения прогресса загрузки")
	// errTaskFailed — R2R сообщил о неудачном завершении задачи.
	errTaskFailed = errors.New("задача R2R завершилась ошибкой")
	// errProcessingTimeout — элемент пробыл в processing дольше RI_PROCESSING_TIMEOUT.
	errProcessingTimeout = errors.New("превышено время обработки")
)
