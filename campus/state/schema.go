package state

import (
	"github.com/hashicorp/go-memdb"
)

const (
	TableCourses     = "courses"
	TableSections    = "sections"
	TableStudents    = "students"
	TableEnrollments = "enrollments"
	TableGrades      = "grades"

	tableIndex = "index"

	indexID             = "id"
	indexCode           = "code"
	indexCourse         = "course"
	indexSemester       = "semester"
	indexStudent        = "student"
	indexSection        = "section"
	indexStudentSection = "student_section"
)

// IndexEntry tracks the latest write index per table, mirroring how
// the read model reports staleness to callers.
type IndexEntry struct {
	Key   string
	Value uint64
}

func stateStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableIndex:       indexTableSchema(),
			TableCourses:     courseTableSchema(),
			TableSections:    sectionTableSchema(),
			TableStudents:    studentTableSchema(),
			TableEnrollments: enrollmentTableSchema(),
			TableGrades:      gradeTableSchema(),
		},
	}
}

func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "Key", Lowercase: true},
			},
		},
	}
}

func courseTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableCourses,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			indexCode: {
				Name:    indexCode,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "Code"},
			},
		},
	}
}

func sectionTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableSections,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			indexCourse: {
				Name:    indexCourse,
				Indexer: &memdb.StringFieldIndex{Field: "CourseID"},
			},
			indexSemester: {
				Name:    indexSemester,
				Indexer: &memdb.StringFieldIndex{Field: "Semester"},
			},
		},
	}
}

func studentTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableStudents,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
		},
	}
}

func enrollmentTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableEnrollments,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			// Non-unique on purpose: terminal rows (dropped,
			// completed) may share the pair with one active row. The
			// single-active invariant is enforced in upsertEnrollmentTxn.
			indexStudentSection: {
				Name: indexStudentSection,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "StudentID"},
						&memdb.StringFieldIndex{Field: "SectionID"},
					},
				},
			},
			indexStudent: {
				Name:    indexStudent,
				Indexer: &memdb.StringFieldIndex{Field: "StudentID"},
			},
			indexSection: {
				Name:    indexSection,
				Indexer: &memdb.StringFieldIndex{Field: "SectionID"},
			},
		},
	}
}

func gradeTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableGrades,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			indexStudent: {
				Name:    indexStudent,
				Indexer: &memdb.StringFieldIndex{Field: "StudentID"},
			},
			indexSection: {
				Name:    indexSection,
				Indexer: &memdb.StringFieldIndex{Field: "SectionID"},
			},
		},
	}
}
