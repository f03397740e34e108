package model

import "time"

// ProcessingStatistics — сводка по очереди обработки.
type ProcessingStatistics struct {
	// ByStatus — количество элементов по статусам
	ByStatus map[Status]int
	// Total — общее количество элементов
	Total int
	// ActiveProcessing — элементы, отправленные в R2R и ожидающие результата
	ActiveProcessing int
	// CircuitOpen — circuit breaker R2R открыт
	CircuitOpen bool
	// CircuitOpenUntil — до какого момента отложена обработка
	CircuitOpenUntil *time.Time
	// LastCycleAt — время завершения последнего цикла воркера
	LastCycleAt *time.Time
	// GeneratedAt — время формирования сводки
	GeneratedAt time.Time
}

// SuccessRate возвращает долю завершённых среди конечных элементов (0..1).
func (s ProcessingStatistics) SuccessRate() float64 {
	completed := s.ByStatus[StatusCompleted]
	finished := completed + s.ByStatus[StatusFailed]
	if finished == 0 {
		return 0
	}
	return float64(completed) / float64(finished)
}
