package catalog

const schema = `
CREATE TABLE IF NOT EXISTS papers (
	paper_number      INTEGER PRIMARY KEY,
	magic_code        TEXT NOT NULL,
	question_versions TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS page_images (
	paper_number INTEGER NOT NULL REFERENCES papers(paper_number),
	page_number  INTEGER NOT NULL,
	version      INTEGER NOT NULL,
	artifact_id  TEXT NOT NULL,
	source_name  TEXT NOT NULL,
	PRIMARY KEY (paper_number, page_number)
);

CREATE TABLE IF NOT EXISTS id_tasks (
	paper_number INTEGER PRIMARY KEY REFERENCES papers(paper_number),
	state        TEXT NOT NULL DEFAULT 'todo',
	owner        TEXT,
	student_id   TEXT,
	student_name TEXT,
	claimed_at   TIMESTAMP
);

-- Student ids are globally unique across identified papers.
CREATE UNIQUE INDEX IF NOT EXISTS idx_id_tasks_sid
	ON id_tasks(student_id) WHERE student_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS mark_tasks (
	paper_number INTEGER NOT NULL REFERENCES papers(paper_number),
	question     INTEGER NOT NULL,
	version      INTEGER NOT NULL,
	state        TEXT NOT NULL DEFAULT 'todo',
	owner        TEXT,
	score        INTEGER,
	annotated_id TEXT,
	record_id    TEXT,
	integrity    TEXT NOT NULL,
	marking_time INTEGER,
	tags         TEXT NOT NULL DEFAULT '',
	claimed_at   TIMESTAMP,
	PRIMARY KEY (paper_number, question)
);

CREATE INDEX IF NOT EXISTS idx_mark_tasks_queue
	ON mark_tasks(question, version, state, paper_number);

CREATE TABLE IF NOT EXISTS audit_log (
	id     TEXT PRIMARY KEY,
	at     TIMESTAMP NOT NULL,
	actor  TEXT NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL
);
`
