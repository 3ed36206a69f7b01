// Package validation содержит функции валидации и нормализации входных данных.
package validation

import "strings"

// stageAliases — фиксированная таблица соответствия исторических названий этапов
// каноническим. Одни и те же этапы за время жизни продукта записывались под разными
// строками (пробелы, подчёркивания, переименования); новые записи нормализуются
// один раз при приёме, а таблица нужна для чтения старых данных.
var stageAliases = map[string]string{
	"Xujjat_tekshirish": "Tekshirish",
	"Xujjat tekshirish": "Tekshirish",
	"Xujjat_topshirish": "Topshirish",
	"Xujjat topshirish": "Topshirish",
	"ST":                "Sertifikat olib chiqish",
	"Fito":              "Sertifikat olib chiqish",
	"FITO":              "Sertifikat olib chiqish",
}

// CanonicalStageName возвращает каноническое название этапа.
// Неизвестные названия возвращаются без изменений.
func CanonicalStageName(name string) string {
	if canonical, ok := stageAliases[name]; ok {
		return canonical
	}
	return name
}

// IsValidStageName проверяет, что название этапа непустое.
func IsValidStageName(name string) bool {
	return strings.TrimSpace(name) != ""
}
